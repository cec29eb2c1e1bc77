package qjsbind

// Module is a compiled ES module that has not been evaluated yet.
type Module struct {
	*OwnedValue
}

func (m *Module) IntoValue() *OwnedValue {
	return m.OwnedValue
}

// Eval links and evaluates the module, awaiting its evaluation. The module
// is consumed.
func (m *Module) Eval() (*OwnedValue, error) {
	c := m.ctx
	if err := c.check("eval module"); err != nil {
		m.Free()
		return nil, err
	}
	return c.resolve("eval module", c.engine.EvalFunction(c.c, m.Extract()))
}

// CompiledFunction is a script compiled with Context.Compile.
type CompiledFunction struct {
	*OwnedValue
}

func (f *CompiledFunction) IntoValue() *OwnedValue {
	return f.OwnedValue
}

// Eval runs the script and awaits its result. The function is consumed, so
// a script that should run more than once is cloned first.
func (f *CompiledFunction) Eval() (*OwnedValue, error) {
	c := f.ctx
	if err := c.check("eval function"); err != nil {
		f.Free()
		return nil, err
	}
	return c.resolve("eval function", c.engine.EvalFunction(c.c, f.Extract()))
}

// Clone returns a second reference to the same compiled script.
func (f *CompiledFunction) Clone() *CompiledFunction {
	return &CompiledFunction{OwnedValue: f.OwnedValue.Clone()}
}
