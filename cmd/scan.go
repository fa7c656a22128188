package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/recyclebud/scan-api/internal/classification"
	"github.com/recyclebud/scan-api/internal/completion"
	"github.com/recyclebud/scan-api/internal/usecase"
)

type scanOptions struct {
	Images []string
	Token  string
}

type scanOutcome struct {
	Image  string                     `json:"image"`
	Result *classification.ScanResult `json:"result,omitempty"`
	Error  string                     `json:"error,omitempty"`
	Status int                        `json:"status,omitempty"`
}

type imageScanner interface {
	Scan(ctx context.Context, req usecase.ScanRequest) (*classification.ScanResult, error)
}

var scanOpts scanOptions

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Classify local images through the same pipeline as the API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScan(cmd.Context(), scanOpts, cmd.OutOrStdout())
	},
}

func init() {
	scanCmd.Flags().StringSliceVarP(&scanOpts.Images, "image", "i", nil, "Path to an image file (repeatable)")
	scanCmd.Flags().StringVarP(&scanOpts.Token, "token", "t", os.Getenv("SCAN_TOKEN"), "Bearer access token (default: $SCAN_TOKEN)")
	scanCmd.MarkFlagRequired("image") //nolint:errcheck
	rootCmd.AddCommand(scanCmd)
}

func runScan(ctx context.Context, opts scanOptions, out io.Writer) error {
	completer, closeCompleter, err := newCompleter(ctx, cfg.Completion, logger)
	if err != nil {
		return err
	}
	defer closeCompleter() //nolint:errcheck

	verifier, err := newVerifier(cfg.Auth)
	if err != nil {
		return err
	}
	scanner := usecase.NewScanUseCase(verifier, completer, logger)

	var progress io.Writer
	if len(opts.Images) > 1 {
		progress = os.Stderr
	}
	outcomes := scanFiles(ctx, scanner, opts.Images, opts.Token, progress)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if len(outcomes) == 1 {
		if err := enc.Encode(outcomes[0]); err != nil {
			return err
		}
	} else if err := enc.Encode(outcomes); err != nil {
		return err
	}

	failed := 0
	for _, o := range outcomes {
		if o.Error != "" {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d scans failed", failed, len(outcomes))
	}
	return nil
}

// scanFiles classifies each file in order. A progress bar is drawn on
// progress when it is not nil.
func scanFiles(ctx context.Context, scanner imageScanner, paths []string, token string, progress io.Writer) []scanOutcome {
	var bar *progressbar.ProgressBar
	if progress != nil {
		bar = progressbar.NewOptions(len(paths),
			progressbar.OptionSetDescription("Scanning"),
			progressbar.OptionSetWriter(progress),
			progressbar.OptionShowCount(),
		)
	}

	outcomes := make([]scanOutcome, 0, len(paths))
	for _, path := range paths {
		if ctx.Err() != nil {
			break
		}
		outcomes = append(outcomes, scanFile(ctx, scanner, path, token))
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	return outcomes
}

func scanFile(ctx context.Context, scanner imageScanner, path, token string) scanOutcome {
	outcome := scanOutcome{Image: path}

	data, err := os.ReadFile(path)
	if err != nil {
		outcome.Error = err.Error()
		return outcome
	}

	image := ""
	if len(data) > 0 {
		image = completion.DataURL(imageMIME(path, data), data)
	}

	result, err := scanner.Scan(ctx, usecase.ScanRequest{Image: image, Credential: token})
	if err != nil {
		var scanErr *usecase.ScanError
		if errors.As(err, &scanErr) {
			outcome.Error = scanErr.Message
			outcome.Status = scanErr.HTTPStatus()
		} else {
			outcome.Error = err.Error()
		}
		return outcome
	}
	outcome.Result = result
	return outcome
}

func imageMIME(path string, data []byte) string {
	mime := http.DetectContentType(data)
	if strings.HasPrefix(mime, "image/") {
		return mime
	}
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".heic"):
		return "image/heic"
	case strings.HasSuffix(lower, ".webp"):
		return "image/webp"
	}
	return "image/jpeg"
}
