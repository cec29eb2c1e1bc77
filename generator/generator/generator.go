package generator

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"go/format"
	"go/token"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"text/template"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/tools/go/packages"

	"github.com/qjsbind/qjsbind"
	"github.com/qjsbind/qjsbind/js"
	"github.com/qjsbind/qjsbind/serde"
)

var (
	//go:embed templates/*
	templates embed.FS
)

// Function is a global function declared by a script.
type Function struct {
	Name   string   `qjs:"name"`
	Length int      `qjs:"length"`
	Async  bool     `qjs:"async"`
	Params []string `qjs:"params"`
	Rest   bool     `qjs:"rest"`
}

type Config struct {
	// Dir is the directory of the package the bindings are written to.
	Dir string
	// FileName is the Go file that triggered go:generate.
	FileName string
	// Script is the name of the script, Source its contents.
	Script string
	Source []byte
	// Output defaults to bindings.go, TypeName to Script.
	Output   string
	TypeName string
	Logger   *zap.Logger
}

func Generate(ctx context.Context, config Config) error {
	if config.Output == "" {
		config.Output = "bindings.go"
	}
	if config.TypeName == "" {
		config.TypeName = "Script"
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	fset := token.NewFileSet()
	pkgs, err := packages.Load(&packages.Config{
		Dir:  config.Dir,
		Fset: fset,
		Mode: packages.NeedName | packages.NeedModule,
	}, fmt.Sprintf("file=%s", config.FileName))
	if err != nil {
		return err
	}
	if len(pkgs) == 0 {
		return fmt.Errorf("no package found for %s", config.FileName)
	}

	functions, err := Inspect(ctx, string(config.Source), config.Script)
	if err != nil {
		return err
	}
	config.Logger.Debug("inspected script",
		zap.String("script", config.Script),
		zap.String("package", pkgs[0].PkgPath),
		zap.Int("functions", len(functions)))

	data := NewTemplateData(pkgs[0].Name, config.TypeName, config.Script, string(config.Source), functions)
	source, err := Render(data)
	if err != nil {
		return err
	}

	output := path.Join(config.Dir, config.Output)
	if err := os.WriteFile(output, source, 0o644); err != nil {
		return err
	}
	config.Logger.Info("wrote bindings", zap.String("file", output))
	return nil
}

// Inspect evaluates source in a fresh context and lists the global
// functions it declared, sorted by name.
func Inspect(ctx context.Context, source, filename string) ([]Function, error) {
	c, err := qjsbind.NewContext(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	result, err := c.EvalFile(source, filename)
	if err != nil {
		return nil, fmt.Errorf("could not evaluate %s: %w", filename, err)
	}
	result.Free()

	exports, err := c.Eval(js.Exports)
	if err != nil {
		return nil, err
	}
	defer exports.Free()

	var functions []Function
	if err := serde.Unmarshal(exports, &functions); err != nil {
		return nil, err
	}
	sort.Slice(functions, func(i, j int) bool {
		return functions[i].Name < functions[j].Name
	})
	return functions, nil
}

var TemplateFunctions = template.FuncMap{
	"lower": lowerFirst,
	"quote": strconv.Quote,
}

// Render executes the bindings template and formats the result.
func Render(data TemplateData) ([]byte, error) {
	tmpl, err := template.New("").
		Funcs(TemplateFunctions).
		ParseFS(templates, "templates/*.tmpl")
	if err != nil {
		return nil, err
	}

	writer := bytes.NewBuffer(nil)
	if err := tmpl.ExecuteTemplate(writer, "bindings.tmpl", data); err != nil {
		return nil, err
	}

	fileBytes := writer.Bytes()
	formattedSource, err := format.Source(fileBytes)
	if err != nil {
		return nil, fmt.Errorf("could not format bindings: %w\nsource:\n%s", err, fileBytes)
	}
	return formattedSource, nil
}

type TemplateData struct {
	Pkg       string
	TypeName  string
	Source    string
	Code      string
	Functions []TemplateFunction
}

type TemplateFunction struct {
	Name      string
	GoName    string
	Async     bool
	Signature string
	Arguments string
}

// receiver is the receiver name of the generated methods.
const receiver = "s"

func NewTemplateData(pkg, typeName, source, code string, functions []Function) TemplateData {
	data := TemplateData{
		Pkg:      pkg,
		TypeName: typeName,
		Source:   source,
		Code:     code,
	}

	// Prevent duplicate names.
	seenNames := map[string]bool{}
	for _, fn := range functions {
		goName := generateGoName(fn.Name)
		for seenNames[goName] {
			goName += "_"
		}
		seenNames[goName] = true

		params := parameterNames(fn)
		var signature, arguments strings.Builder
		for i, p := range params {
			if i > 0 {
				signature.WriteString(", ")
			}
			signature.WriteString(p + " any")
		}
		if fn.Rest {
			if len(params) > 0 {
				signature.WriteString(", ")
				arguments.WriteString(", append([]any{" + strings.Join(params, ", ") + "}, rest...)...")
			} else {
				arguments.WriteString(", rest...")
			}
			signature.WriteString("rest ...any")
		} else {
			for _, p := range params {
				arguments.WriteString(", " + p)
			}
		}

		data.Functions = append(data.Functions, TemplateFunction{
			Name:      fn.Name,
			GoName:    goName,
			Async:     fn.Async,
			Signature: signature.String(),
			Arguments: arguments.String(),
		})
	}
	return data
}

// parameterNames returns Go names for the declared parameters, or arg0 to
// argN when the script did not name them plainly.
func parameterNames(fn Function) []string {
	declared := fn.Params
	if len(declared) != fn.Length {
		declared = nil
	}

	names := make([]string, fn.Length)
	seen := map[string]bool{receiver: true, "rest": true, "any": true, "append": true, "qjsbind": true}
	for i := range names {
		name := "arg" + strconv.Itoa(i)
		if declared != nil {
			name = strings.ReplaceAll(declared[i], "$", "_")
			if token.IsKeyword(name) || seen[name] {
				name += "_"
			}
		}
		seen[name] = true
		names[i] = name
	}
	return names
}

func generateGoName(name string) string {
	if len(name) == 0 {
		return name
	}
	name = strings.ReplaceAll(name, "$", "_")
	if name[0] == '_' {
		name = "X" + name
	}
	upperFirst := string(unicode.ToUpper(rune(name[0]))) + name[1:]
	return upperFirst
}

func lowerFirst(name string) string {
	if len(name) == 0 {
		return name
	}
	return string(unicode.ToLower(rune(name[0]))) + name[1:]
}
