package qjsbind

import (
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/qjsbind/qjsbind/abi"
)

// ModuleLoader returns the source of the module with the normalized name.
type ModuleLoader func(name string) (string, error)

// ModuleNormalizer resolves the specifier name imported by the module base
// into a module name.
type ModuleNormalizer func(base, name string) (string, error)

// DefaultNormalizer normalizes both names to NFC and resolves specifiers
// starting with "." against the directory of base. Other specifiers are
// kept as they are.
func DefaultNormalizer(base, name string) (string, error) {
	name = norm.NFC.String(name)
	if !strings.HasPrefix(name, ".") {
		return name, nil
	}
	return path.Join(path.Dir(norm.NFC.String(base)), name), nil
}

// SetModuleLoader registers the loader used for import statements. A nil
// normalizer selects DefaultNormalizer. Loader and normalizer failures are
// thrown into script as a ReferenceError.
func (c *Context) SetModuleLoader(loader ModuleLoader, normalizer ModuleNormalizer) {
	if normalizer == nil {
		normalizer = DefaultNormalizer
	}
	c.loader = loader
	c.normalize = normalizer

	if loader == nil {
		c.engine.SetModuleLoader(c.rt, nil, nil)
		return
	}
	c.engine.SetModuleLoader(c.rt, c.normalizeModule, c.loadModule)
}

func (c *Context) normalizeModule(cc abi.Context, base, name string) (normalized string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("module normalizer panicked", zap.String("base", base), zap.String("name", name), zap.Any("panic", r))
			c.engine.ThrowError(cc, "InternalError", fmt.Sprintf("module normalizer panicked: %v", r))
			normalized, ok = "", false
		}
	}()

	normalized, err := c.normalize(base, name)
	if err != nil {
		c.logger.Warn("could not normalize module", zap.String("base", base), zap.String("name", name), zap.Error(err))
		c.engine.ThrowError(cc, "ReferenceError", fmt.Sprintf("could not normalize module '%s': %v", name, err))
		return "", false
	}
	return normalized, true
}

func (c *Context) loadModule(cc abi.Context, name string) (result abi.Value) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("module loader panicked", zap.String("name", name), zap.Any("panic", r))
			result = c.engine.ThrowError(cc, "InternalError", fmt.Sprintf("module loader panicked: %v", r))
		}
	}()

	source, err := c.loader(name)
	if err != nil {
		c.logger.Warn("could not load module", zap.String("name", name), zap.Error(err))
		return c.engine.ThrowError(cc, "ReferenceError", fmt.Sprintf("could not load module '%s': %v", name, err))
	}
	return c.engine.Eval(cc, source, name, abi.EvalModule|abi.EvalCompileOnly)
}
