package wasmengine

import (
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Guest exports. Plain JS_ names are the QuickJS-ng C API compiled for
// wasm32, where a JSValue is a NaN boxed uint64 passed as i64. JS_Ext_
// names are the shim for the parts of the API that are inline in the C
// headers or need a C function pointer.
const (
	exportMalloc = "malloc"
	exportFree   = "free"

	exportNewRuntime          = "JS_NewRuntime"
	exportFreeRuntime         = "JS_FreeRuntime"
	exportSetMemoryLimit      = "JS_SetMemoryLimit"
	exportNewContext          = "JS_NewContext"
	exportFreeContext         = "JS_FreeContext"
	exportExecutePendingJob   = "JS_ExecutePendingJob"
	exportIsJobPending        = "JS_IsJobPending"
	exportNewStringLen        = "JS_NewStringLen"
	exportNewObject           = "JS_NewObject"
	exportNewArray            = "JS_NewArray"
	exportToCStringLen2       = "JS_ToCStringLen2"
	exportFreeCString         = "JS_FreeCString"
	exportToString            = "JS_ToString"
	exportJSONStringify       = "JS_JSONStringify"
	exportEval                = "JS_Eval"
	exportEvalFunction        = "JS_EvalFunction"
	exportGetGlobalObject     = "JS_GetGlobalObject"
	exportGetPropertyStr      = "JS_GetPropertyStr"
	exportSetPropertyStr      = "JS_SetPropertyStr"
	exportGetPropertyUint32   = "JS_GetPropertyUint32"
	exportSetPropertyUint32   = "JS_SetPropertyUint32"
	exportGetLength           = "JS_GetLength"
	exportGetOwnPropertyNames = "JS_GetOwnPropertyNames"
	exportFreePropertyEnum    = "JS_FreePropertyEnum"
	exportAtomToString        = "JS_AtomToString"
	exportGetProperty         = "JS_GetProperty"
	exportCall                = "JS_Call"
	exportCallConstructor     = "JS_CallConstructor"
	exportIsFunction          = "JS_IsFunction"
	exportIsInstanceOf        = "JS_IsInstanceOf"
	exportPromiseState        = "JS_PromiseState"
	exportPromiseResult       = "JS_PromiseResult"
	exportHasException        = "JS_HasException"
	exportGetException        = "JS_GetException"
	exportThrow               = "JS_Throw"

	exportDupValue                   = "JS_Ext_DupValue"
	exportFreeValue                  = "JS_Ext_FreeValue"
	exportRefCount                   = "JS_Ext_RefCount"
	exportIsArray                    = "JS_Ext_IsArray"
	exportIsPromise                  = "JS_Ext_IsPromise"
	exportNewCFunctionData           = "JS_Ext_NewCFunctionData"
	exportSetInterruptHandler        = "JS_Ext_SetInterruptHandler"
	exportSetModuleLoader            = "JS_Ext_SetModuleLoader"
	exportSetPromiseRejectionTracker = "JS_Ext_SetPromiseRejectionTracker"

	// Optional: without them proxies are treated as plain objects.
	exportIsProxy        = "JS_Ext_IsProxy"
	exportGetProxyTarget = "JS_Ext_GetProxyTarget"
)

var requiredExports = []string{
	exportMalloc, exportFree,
	exportNewRuntime, exportFreeRuntime, exportSetMemoryLimit,
	exportNewContext, exportFreeContext,
	exportExecutePendingJob, exportIsJobPending,
	exportNewStringLen, exportNewObject, exportNewArray,
	exportToCStringLen2, exportFreeCString, exportToString, exportJSONStringify,
	exportEval, exportEvalFunction,
	exportGetGlobalObject, exportGetPropertyStr, exportSetPropertyStr,
	exportGetPropertyUint32, exportSetPropertyUint32, exportGetLength,
	exportGetOwnPropertyNames, exportFreePropertyEnum, exportAtomToString, exportGetProperty,
	exportCall, exportCallConstructor,
	exportIsFunction, exportIsInstanceOf,
	exportPromiseState, exportPromiseResult,
	exportHasException, exportGetException, exportThrow,
	exportDupValue, exportFreeValue, exportRefCount,
	exportIsArray, exportIsPromise, exportNewCFunctionData,
	exportSetInterruptHandler, exportSetModuleLoader, exportSetPromiseRejectionTracker,
}

var optionalExports = []string{exportIsProxy, exportGetProxyTarget}

type unexportedFunctionError struct {
	name string
}

func (e unexportedFunctionError) Error() string {
	return fmt.Sprintf("the QuickJS build does not export \"%s\", rebuild it with the JS_Ext shim and add \"_%s\" to EXPORTED_FUNCTIONS", e.name, e.name)
}

// validateExports checks a compiled guest before it gets instantiated and
// returns the optional exports it lacks.
func validateExports(guest wazero.CompiledModule) ([]string, error) {
	exported := guest.ExportedFunctions()
	for _, name := range requiredExports {
		if _, ok := exported[name]; !ok {
			return nil, unexportedFunctionError{name: name}
		}
	}

	var missing []string
	for _, name := range optionalExports {
		if _, ok := exported[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing, nil
}

// lookupExports resolves every known export of an instantiated guest.
func lookupExports(mod api.Module) map[string]api.Function {
	functions := map[string]api.Function{}
	for _, name := range append(append([]string{}, requiredExports...), optionalExports...) {
		if fn := mod.ExportedFunction(name); fn != nil {
			functions[name] = fn
		}
	}
	return functions
}
