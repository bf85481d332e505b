package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"unicode/utf8"

	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/correct"
)

var version = "0.1.0-dev"

const ruler = "----------------------------------------"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

type options struct {
	configPath  string
	language    string
	model       string
	temperature float64
	topP        float64
	topK        int
	verbose     bool
	showVersion bool
	file        string
}

func parseArgs(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("textcorrect", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: textcorrect [flags] FILE")
		fs.PrintDefaults()
	}

	fs.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	for _, name := range []string{"language", "l"} {
		fs.StringVar(&opts.language, name, "de", "Language of the text (de|en)")
	}
	for _, name := range []string{"model", "m"} {
		fs.StringVar(&opts.model, name, "", "Ollama model (default depends on language)")
	}
	for _, name := range []string{"temperature", "t"} {
		fs.Float64Var(&opts.temperature, name, correct.DefaultTemperature, "Sampling temperature (0.0 to 1.0)")
	}
	for _, name := range []string{"top-p", "p"} {
		fs.Float64Var(&opts.topP, name, correct.DefaultTopP, "Nucleus sampling (0.0 to 1.0)")
	}
	for _, name := range []string{"top-k", "k"} {
		fs.IntVar(&opts.topK, name, correct.DefaultTopK, "Token candidates (1 to 100)")
	}
	fs.BoolVar(&opts.verbose, "v", false, "Log requests to stderr")
	fs.BoolVar(&opts.showVersion, "version", false, "Print version and exit")

	// Flags may follow the file argument.
	var positional []string
	rest := args
	for {
		if err := fs.Parse(rest); err != nil {
			return opts, err
		}
		if fs.NArg() == 0 {
			break
		}
		positional = append(positional, fs.Arg(0))
		rest = fs.Args()[1:]
	}
	if opts.showVersion {
		return opts, nil
	}
	if len(positional) != 1 {
		fs.Usage()
		return opts, errors.New("expected exactly one input file")
	}
	if !slices.Contains(correct.Languages(), opts.language) {
		fs.Usage()
		return opts, fmt.Errorf("unsupported language %q, expected one of %s", opts.language, strings.Join(correct.Languages(), "|"))
	}
	opts.file = positional[0]
	return opts, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseArgs(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, "error:", err)
		return 2
	}
	if opts.showVersion {
		fmt.Fprintln(stdout, version)
		return 0
	}

	corrector, err := config.LoadCorrector(opts.configPath)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	client := correct.NewClient(corrector, logger)

	req := correct.Request{
		Language:    opts.language,
		Model:       opts.model,
		Temperature: opts.temperature,
		TopP:        opts.topP,
		TopK:        opts.topK,
		Text:        "-",
	}
	if err := correct.Validate(req); err != nil {
		fmt.Fprintln(stdout, "error:", err)
		return 1
	}

	fmt.Fprintf(stdout, "Reading file: %s\n", opts.file)
	data, err := os.ReadFile(opts.file)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(stdout, "error: file %q was not found\n", opts.file)
		} else {
			fmt.Fprintf(stdout, "error: reading file: %v\n", err)
		}
		return 1
	}
	if !utf8.Valid(data) {
		fmt.Fprintln(stdout, "error: the file is not valid UTF-8")
		return 1
	}
	req.Text = strings.TrimSpace(string(data))
	fmt.Fprintf(stdout, "Size: %d characters\n", utf8.RuneCountInString(req.Text))
	if req.Text == "" {
		fmt.Fprintln(stdout, "error: the input file is empty")
		return 1
	}

	fmt.Fprintf(stdout, "\nModel: %s\n", client.Model(req))
	fmt.Fprintf(stdout, "Language: %s\n", req.Language)
	fmt.Fprintln(stdout, "\nOriginal text:")
	fmt.Fprintln(stdout, ruler)
	fmt.Fprintln(stdout, req.Text)
	fmt.Fprintln(stdout, ruler)

	fmt.Fprintf(stdout, "\nCorrected text (temp=%.1f, top_p=%.1f, top_k=%d):\n", req.Temperature, req.TopP, req.TopK)
	fmt.Fprintln(stdout, ruler)
	corrected, err := client.Correct(ctx, req)
	if err != nil {
		var vErr *correct.ValidationError
		if errors.As(err, &vErr) {
			fmt.Fprintln(stdout, "error:", err)
			return 1
		}
		corrected = fmt.Sprintf("Could not reach the correction service: %v", err)
	}
	fmt.Fprintln(stdout, corrected)
	fmt.Fprintln(stdout, ruler)
	return 0
}
