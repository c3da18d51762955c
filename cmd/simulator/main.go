package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type measurement struct {
	Datetime     int64   `json:"datetime" cbor:"datetime"`
	Peripheral   int32   `json:"peripheral" cbor:"peripheral"`
	QuantityType int32   `json:"quantityType" cbor:"quantityType"`
	Value        float64 `json:"value" cbor:"value"`
}

// channel is one random-walking (peripheral, quantityType) source.
type channel struct {
	peripheral   int32
	quantityType int32
	value        float64
	step         float64
	min          float64
	max          float64
}

type options struct {
	baseURL   string
	kitSerial string
	apiKey    string
	encoding  string
	channels  []string
	interval  time.Duration
	jitter    time.Duration
	timeout   time.Duration
	count     int
	seed      int64
}

func main() {
	var opts options

	rootCmd := &cobra.Command{
		Use:           "kitstream-simulator",
		Short:         "Emit random-walk measurements for one kit",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&opts.baseURL, "url", "http://localhost:8080", "server base URL")
	flags.StringVar(&opts.kitSerial, "kit", "greenhouse", "kit serial to publish for")
	flags.StringVar(&opts.apiKey, "api-key", "dev-ingest-key", "ingest API key")
	flags.StringVar(&opts.encoding, "encoding", "json", "payload encoding (json or cbor)")
	flags.StringSliceVar(&opts.channels, "channel", []string{"1:1:21:0.15:16:32", "1:2:46:0.7:25:80"},
		"channel as peripheral:quantityType:start:step:min:max, repeatable")
	flags.DurationVar(&opts.interval, "interval", 2*time.Second, "base delay between batches")
	flags.DurationVar(&opts.jitter, "jitter", 500*time.Millisecond, "max random delay added to each interval")
	flags.DurationVar(&opts.timeout, "timeout", 5*time.Second, "HTTP request timeout")
	flags.IntVar(&opts.count, "count", 0, "number of batches to emit (0 = infinite)")
	flags.Int64Var(&opts.seed, "seed", 0, "random seed (0 = use current time)")

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	if err := opts.validate(); err != nil {
		return err
	}

	channels, err := parseChannels(opts.channels)
	if err != nil {
		return err
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	seed := opts.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	targetURL, err := ingestURL(opts.baseURL, opts.kitSerial)
	if err != nil {
		return err
	}
	logger.Info("simulator started",
		zap.Int64("seed", seed),
		zap.String("target", targetURL),
		zap.Int("channels", len(channels)),
		zap.Duration("interval", opts.interval),
	)

	client := &http.Client{Timeout: opts.timeout}

	emitted := 0
	for {
		if opts.count > 0 && emitted >= opts.count {
			logger.Info("simulation complete", zap.Int("batches", emitted))
			return nil
		}

		batch := nextBatch(channels, rng, time.Now())
		if err := postBatch(ctx, client, targetURL, opts.apiKey, opts.encoding, batch); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			logger.Warn("send failed", zap.Error(err))
		} else {
			emitted++
			logger.Debug("sent batch", zap.Int("batch", emitted), zap.Int("measurements", len(batch)))
		}

		delay := opts.interval
		if opts.jitter > 0 {
			delay += time.Duration(rng.Int63n(int64(opts.jitter) + 1))
		}

		select {
		case <-ctx.Done():
			logger.Info("simulation stopped", zap.Int("batches", emitted))
			return nil
		case <-time.After(delay):
		}
	}
}

func (opts options) validate() error {
	var problems []error
	if opts.interval <= 0 {
		problems = append(problems, errors.New("interval must be > 0"))
	}
	if opts.jitter < 0 {
		problems = append(problems, errors.New("jitter must be >= 0"))
	}
	if opts.timeout <= 0 {
		problems = append(problems, errors.New("timeout must be > 0"))
	}
	if opts.count < 0 {
		problems = append(problems, errors.New("count must be >= 0"))
	}
	if opts.apiKey == "" {
		problems = append(problems, errors.New("api-key is required"))
	}
	if strings.TrimSpace(opts.kitSerial) == "" {
		problems = append(problems, errors.New("kit is required"))
	}
	if opts.encoding != "json" && opts.encoding != "cbor" {
		problems = append(problems, fmt.Errorf("unsupported encoding %q", opts.encoding))
	}
	return errors.Join(problems...)
}

func parseChannels(definitions []string) ([]*channel, error) {
	if len(definitions) == 0 {
		return nil, errors.New("at least one channel is required")
	}

	channels := make([]*channel, 0, len(definitions))
	for _, definition := range definitions {
		parts := strings.Split(definition, ":")
		if len(parts) != 6 {
			return nil, fmt.Errorf("channel %q: expected 6 fields", definition)
		}

		peripheral, err := strconv.ParseInt(parts[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("channel %q: peripheral: %w", definition, err)
		}
		quantityType, err := strconv.ParseInt(parts[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("channel %q: quantity type: %w", definition, err)
		}

		var numbers [4]float64
		for index, part := range parts[2:] {
			numbers[index], err = strconv.ParseFloat(part, 64)
			if err != nil {
				return nil, fmt.Errorf("channel %q: %w", definition, err)
			}
		}
		if numbers[2] > numbers[3] {
			return nil, fmt.Errorf("channel %q: min above max", definition)
		}

		channels = append(channels, &channel{
			peripheral:   int32(peripheral),
			quantityType: int32(quantityType),
			value:        clamp(numbers[0], numbers[2], numbers[3]),
			step:         numbers[1],
			min:          numbers[2],
			max:          numbers[3],
		})
	}
	return channels, nil
}

func nextBatch(channels []*channel, rng *rand.Rand, now time.Time) []measurement {
	batch := make([]measurement, 0, len(channels))
	for _, source := range channels {
		source.value = clamp(source.value+rng.NormFloat64()*source.step, source.min, source.max)

		value := source.value
		// Occasional spikes mimic short-lived events on the sensor.
		if rng.Float64() < 0.04 {
			value = clamp(value+rng.Float64()*source.step*20, source.min, source.max)
		}

		batch = append(batch, measurement{
			Datetime:     now.UnixMilli(),
			Peripheral:   source.peripheral,
			QuantityType: source.quantityType,
			Value:        round2(value),
		})
	}
	return batch
}

func ingestURL(baseURL string, kitSerial string) (string, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	return parsed.JoinPath("api", "kits", kitSerial, "measurements").String(), nil
}

func postBatch(
	ctx context.Context,
	client *http.Client,
	targetURL string,
	apiKey string,
	encoding string,
	batch []measurement,
) error {
	var body []byte
	var err error
	contentType := "application/json"
	if encoding == "cbor" {
		contentType = "application/cbor"
		body, err = cbor.Marshal(batch)
	} else {
		body, err = json.Marshal(batch)
	}
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Content-Type", contentType)
	request.Header.Set("X-API-Key", apiKey)

	response, err := client.Do(request)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusMultipleChoices {
		responseBody, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return fmt.Errorf("status %d: %s", response.StatusCode, string(responseBody))
	}

	return nil
}

func clamp(value float64, min float64, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
