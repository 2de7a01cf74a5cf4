package source

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	xerrors "OpenRill/internal/errors"
)

// Definition 是目录中一个具名源的声明。
type Definition struct {
	Kind        string         `yaml:"kind"`
	Description string         `yaml:"description"`
	Params      map[string]any `yaml:"params"`
	Policy      Policy         `yaml:"policy"`
}

// Catalog 对应 catalog.yaml 的文件结构。
type Catalog struct {
	Defaults Policy                `yaml:"defaults"`
	Sources  map[string]Definition `yaml:"sources"`
}

// Info 是对外暴露的源摘要。
type Info struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Description string `json:"description,omitempty"`
}

// Registry 维护源类型工厂与具名源定义，按名称实例化源。
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	defs      map[string]Definition
	defaults  Policy
}

// NewRegistry 创建一个空的注册表。
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		defs:      make(map[string]Definition),
	}
}

// RegisterFactory 注册一个源类型工厂。同类型重复注册视为冲突。
func (r *Registry) RegisterFactory(f Factory) error {
	if f == nil || f.Kind() == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工厂及其类型不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[f.Kind()]; ok {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("源类型 %s 已注册", f.Kind()))
	}
	r.factories[f.Kind()] = f
	return nil
}

// Define 直接登记一个具名源定义，主要用于测试与插件。
func (r *Registry) Define(name string, def Definition) error {
	if name == "" || def.Kind == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "源名称与类型不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[name] = def
	return nil
}

// LoadCatalog 解析 YAML 目录文件并登记其中的全部源定义。
func (r *Registry) LoadCatalog(path string) error {
	if path == "" {
		return xerrors.New(CodeSourceCatalog, "目录文件路径不能为空")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return xerrors.Wrap(CodeSourceCatalog, err, "读取目录文件失败")
	}
	var catalog Catalog
	if err := yaml.Unmarshal(raw, &catalog); err != nil {
		return xerrors.Wrap(CodeSourceCatalog, err, "解析目录文件失败")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = catalog.Defaults
	for name, def := range catalog.Sources {
		if name == "" || def.Kind == "" {
			return xerrors.New(CodeSourceCatalog, fmt.Sprintf("源 %q 缺少类型声明", name))
		}
		r.defs[name] = def
	}
	return nil
}

// List 返回目录中的全部源摘要，按名称排序。
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.defs))
	for name, def := range r.defs {
		infos = append(infos, Info{Name: name, Kind: def.Kind, Description: def.Description})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Lookup 返回指定名称的源定义。
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Open 按名称实例化一个源：查定义、找工厂、合并策略并交由工厂打开。
func (r *Registry) Open(ctx context.Context, name, resume string) (Opened, error) {
	r.mu.RLock()
	def, ok := r.defs[name]
	defaults := r.defaults
	var factory Factory
	if ok {
		factory = r.factories[def.Kind]
	}
	r.mu.RUnlock()

	if !ok {
		return Opened{}, xerrors.New(CodeSourceNotFound, fmt.Sprintf("源 %s 不存在", name))
	}
	if factory == nil {
		return Opened{}, xerrors.New(CodeSourceKindUnknown, fmt.Sprintf("源类型 %s 未注册", def.Kind))
	}

	policy := def.Policy.Merge(defaults)
	if decl, ok := factory.(CapabilityDeclarer); ok {
		if err := policy.Require(decl.Capabilities()...); err != nil {
			return Opened{}, err
		}
	}

	opened, err := factory.Open(ctx, Options{
		Name:   name,
		Params: cloneParams(def.Params),
		Resume: resume,
		Policy: policy,
	})
	if err != nil {
		if _, coded := xerrors.From(err); coded {
			return Opened{}, err
		}
		return Opened{}, xerrors.Wrap(CodeSourceOpen, err, fmt.Sprintf("打开源 %s 失败", name))
	}
	if opened.Source == nil && opened.ByteSource == nil {
		return Opened{}, xerrors.New(CodeSourceOpen, fmt.Sprintf("工厂 %s 未返回可用的源", def.Kind))
	}
	return opened, nil
}

func cloneParams(params map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	cp := make(map[string]any, len(params))
	for k, v := range params {
		cp[k] = v
	}
	return cp
}
