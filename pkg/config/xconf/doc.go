// Package xconf 基于 koanf 加载 YAML / JSON 配置，并支持 fsnotify 热重载。
//
//	l, err := xconf.Load("/etc/xsched/xsched.yaml")
//	if err != nil {
//	    return err
//	}
//	var cfg AppConfig
//	if err := l.Unmarshal("", &cfg); err != nil {
//	    return err
//	}
//
// 结构体字段使用 koanf 标签；time.Duration 字段可以写成 "10s" 这样的字符串。
package xconf
