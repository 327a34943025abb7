/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"logobot/pkg/config"
	"logobot/pkg/logger"
	"logobot/pkg/relay"
	"logobot/pkg/ui"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/cobra"
)

var (
	processOutput   string
	processEndpoint string
)

// processCmd represents the process command
var processCmd = &cobra.Command{
	Use:   "process <image>",
	Short: "Send a local image through the processing service",
	Long:  "Uploads one local image to the configured processing service the same way the gateway does, and writes the returned image next to it.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadProcessConfig()
		if err != nil {
			return err
		}

		opts := processOptions{
			Input:    args[0],
			Output:   processOutput,
			Endpoint: processEndpoint,
		}

		report, err := runProcess(cmd.Context(), cfg, opts)
		if err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), ui.RenderError(failureStage(err), err))
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), ui.RenderProcessReport(report))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(processCmd)
	processCmd.Flags().StringVarP(&processOutput, "output", "o", "", "path for the processed image (default <name>_processed<ext>)")
	processCmd.Flags().StringVar(&processEndpoint, "endpoint", "", "processing service url, overrides relay.processing_url")
}

type processOptions struct {
	Input    string
	Output   string
	Endpoint string
}

// loadProcessConfig uses config.json when present and falls back to defaults plus
// environment overrides otherwise.
func loadProcessConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, config.ErrConfigNotFound) {
		return nil, fmt.Errorf("load config: %w", err)
	}

	fallback := config.FromEnv()
	return &fallback, nil
}

func runProcess(ctx context.Context, cfg *config.Config, opts processOptions) (ui.ProcessReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		endpoint = cfg.Relay.ProcessingURL
	}

	data, err := readImage(opts.Input, cfg.Relay.MaxImageBytes)
	if err != nil {
		return ui.ProcessReport{}, err
	}

	inputType := mimetype.Detect(data)
	if !slices.Contains(cfg.Relay.AcceptedContentTypes, inputType.String()) {
		return ui.ProcessReport{}, fmt.Errorf("%s is %s, accepted types are %s", opts.Input, inputType.String(), strings.Join(cfg.Relay.AcceptedContentTypes, ", "))
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return ui.ProcessReport{}, fmt.Errorf("initialize logger: %w", err)
	}

	timeout := time.Duration(cfg.Relay.ProcessTimeoutSeconds) * time.Second
	processor, err := relay.NewProcessingClient(relay.ProcessingOptions{
		Endpoint: endpoint,
		Client:   relay.NewHTTPClient(timeout),
		MaxBytes: cfg.Relay.MaxImageBytes,
		Timeout:  timeout,
		Log:      log.With("component", "cmd.process"),
	})
	if err != nil {
		return ui.ProcessReport{}, err
	}

	startedAt := time.Now()
	processed, err := processor.Process(ctx, relay.Payload{Data: data, ContentType: inputType.String()})
	if err != nil {
		return ui.ProcessReport{}, err
	}
	took := time.Since(startedAt)

	outputType := mimetype.Detect(processed)
	output := strings.TrimSpace(opts.Output)
	if output == "" {
		output = defaultOutputPath(opts.Input, outputType.Extension())
	}
	if err := os.WriteFile(output, processed, 0o644); err != nil {
		return ui.ProcessReport{}, fmt.Errorf("write processed image: %w", err)
	}

	return ui.ProcessReport{
		Input:       opts.Input,
		InputType:   inputType.String(),
		InputBytes:  len(data),
		Output:      output,
		OutputType:  outputType.String(),
		OutputBytes: len(processed),
		Endpoint:    endpoint,
		Duration:    took,
	}, nil
}

// failureStage names the relay stage for pipeline errors and nothing for local ones.
func failureStage(err error) string {
	var relayErr *relay.Error
	if errors.As(err, &relayErr) {
		return relayErr.Stage
	}

	return ""
}

func readImage(path string, maxBytes int64) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: max %d bytes", relay.ErrImageTooLarge, maxBytes)
	}
	if len(data) == 0 {
		return nil, errors.New("image is empty")
	}

	return data, nil
}

// defaultOutputPath returns <dir>/<name>_processed<ext>, keeping the input extension
// when the processed bytes have no recognizable type.
func defaultOutputPath(input string, detectedExt string) string {
	ext := filepath.Ext(input)
	base := strings.TrimSuffix(input, ext)
	if detectedExt != "" {
		ext = detectedExt
	}

	return base + "_processed" + ext
}
