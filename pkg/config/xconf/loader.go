package xconf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Format 配置格式
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// Option 加载选项
type Option func(*options)

type options struct {
	delim string
	tag   string
}

// WithDelim 键分隔符，默认 "."
func WithDelim(d string) Option {
	return func(o *options) {
		if d != "" {
			o.delim = d
		}
	}
}

// WithTag Unmarshal 使用的结构体标签，默认 "koanf"
func WithTag(tag string) Option {
	return func(o *options) {
		if tag != "" {
			o.tag = tag
		}
	}
}

// Loader 持有一份已解析的配置，Reload 时整体替换，读写并发安全
type Loader struct {
	mu     sync.RWMutex
	k      *koanf.Koanf
	path   string
	format Format
	opts   options
}

// Load 从文件加载，按扩展名识别格式
func Load(path string, opts ...Option) (*Loader, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	format, err := formatOf(path)
	if err != nil {
		return nil, err
	}
	l := newLoader(format, opts)
	l.path = path
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// LoadBytes 从内存数据加载，空数据得到空配置
func LoadBytes(data []byte, format Format, opts ...Option) (*Loader, error) {
	if format != FormatYAML && format != FormatJSON {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	l := newLoader(format, opts)
	k, err := parse(data, format, l.opts.delim)
	if err != nil {
		return nil, err
	}
	l.k = k
	return l, nil
}

func newLoader(format Format, opts []Option) *Loader {
	o := options{delim: ".", tag: "koanf"}
	for _, opt := range opts {
		opt(&o)
	}
	return &Loader{format: format, opts: o, k: koanf.New(o.delim)}
}

// Reload 重新读取文件；解析失败时保留旧配置
func (l *Loader) Reload() error {
	if l.path == "" {
		return ErrNotReloadable
	}
	data, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}
	k, err := parse(data, l.format, l.opts.delim)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.k = k
	l.mu.Unlock()
	return nil
}

// Unmarshal 将 key 下的配置解到 target，key 为空表示整个配置
func (l *Loader) Unmarshal(key string, target any) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if err := l.k.UnmarshalWithConf(key, target, koanf.UnmarshalConf{Tag: l.opts.tag}); err != nil {
		return fmt.Errorf("%w: %w", ErrUnmarshalFailed, err)
	}
	return nil
}

// Koanf 返回当前配置的底层实例，Reload 后需要重新获取
func (l *Loader) Koanf() *koanf.Koanf {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.k
}

// Path 配置文件路径，LoadBytes 创建时为空
func (l *Loader) Path() string { return l.path }

// Format 配置格式
func (l *Loader) Format() Format { return l.format }

func formatOf(path string) (Format, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: extension %q", ErrUnsupportedFormat, ext)
	}
}

func parse(data []byte, format Format, delim string) (*koanf.Koanf, error) {
	k := koanf.New(delim)
	if len(data) == 0 {
		return k, nil
	}
	var parser koanf.Parser = yaml.Parser()
	if format == FormatJSON {
		parser = json.Parser()
	}
	if err := k.Load(rawbytes.Provider(data), parser); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParseFailed, err)
	}
	return k, nil
}
