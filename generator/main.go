package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/qjsbind/qjsbind/generator/generator"
)

var (
	fileName string
	script   *string
	output   *string
	typeName *string
	verbose  *bool
)

func init() {
	fileName = os.Getenv("GOFILE")
	script = flag.String("js", "", "the script to generate bindings for")
	output = flag.String("o", "bindings.go", "the file to write, relative to the package directory")
	typeName = flag.String("type", "Script", "the name of the generated type")
	verbose = flag.Bool("v", false, "enable verbose logging")
}

func Usage() {
	fmt.Fprintf(os.Stderr, "Usage of qjsbind/generator:\n")
	fmt.Fprintf(os.Stderr, "\t//go:generate go run github.com/qjsbind/qjsbind/generator -js script.js\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = Usage
	flag.Parse()

	config := zap.NewDevelopmentConfig()
	if !*verbose {
		config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	logger, err := config.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if *script == "" {
		flag.Usage()
		os.Exit(2)
	}

	dir, err := filepath.Abs(".")
	if err != nil {
		logger.Fatal("could not resolve the package directory", zap.Error(err))
	}

	source, err := os.ReadFile(*script)
	if err != nil {
		logger.Fatal("could not read the script", zap.Error(err))
	}

	err = generator.Generate(context.Background(), generator.Config{
		Dir:      dir,
		FileName: fileName,
		Script:   filepath.Base(*script),
		Source:   source,
		Output:   *output,
		TypeName: *typeName,
		Logger:   logger,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
