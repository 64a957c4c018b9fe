package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"nexus/pkg/anomaly"
	"nexus/pkg/eventbus"
	"nexus/pkg/features"
	"nexus/pkg/httpx"
)

// Testable variables for main()
var (
	osExit       = os.Exit
	httpClient   = &http.Client{Timeout: 10 * time.Second}
	sleep        = time.Sleep
	openConsumer = func(cfg eventbus.KafkaConfig) (eventbus.Consumer, error) {
		return eventbus.NewKafkaConsumer(cfg)
	}
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "validate":
		return validate(args[1:], out)
	case "route":
		return route(args[1:], out)
	case "smoke":
		return smoke(args[1:], out)
	case "model":
		return model(args[1:], out)
	case "tail":
		return tail(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "nexusctl commands:")
	fmt.Fprintln(out, "  validate --url http://localhost:8000 --ip 10.0.0.1 --latency 120 [--error] [--token t]")
	fmt.Fprintln(out, "  route --url http://localhost:8000 --text \"street light broken\" [--source Web]")
	fmt.Fprintln(out, "  smoke --url http://localhost:8000 [--normal 5] [--burst 50] [--interval 500ms]")
	fmt.Fprintln(out, "  model inspect --path model.json")
	fmt.Fprintln(out, "  model score --path model.json --requests 80 --latency 20 [--error]")
	fmt.Fprintln(out, "  tail --brokers kafka:9092 [--topic nexus.gate.decisions] [--group nexusctl] [--max 0]")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func baseURL(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}

func printJSON(out io.Writer, raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(encoded))
	return nil
}

func validate(args []string, out io.Writer) error {
	fs := newFlagSet("validate")
	url := fs.String("url", "http://localhost:8000", "nexus base url")
	ip := fs.String("ip", "", "client address to score")
	latency := fs.Float64("latency", 0, "observed latency in ms")
	isError := fs.Bool("error", false, "request ended in an error")
	header := fs.String("token-header", "X-Service-Token", "service auth header")
	token := fs.String("token", os.Getenv("SERVICE_AUTH_TOKEN"), "service auth token")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*ip) == "" {
		return errors.New("ip required")
	}
	body, err := json.Marshal(map[string]any{"ip": *ip, "latency": *latency, "is_error": *isError})
	if err != nil {
		return err
	}
	headers := map[string]string{}
	if *token != "" {
		headers[*header] = *token
	}
	code, resp, err := httpx.RequestJSON(context.Background(), httpClient, http.MethodPost, baseURL(*url)+"/api/security/validate", body, headers, 1, 200*time.Millisecond)
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	if code != http.StatusOK {
		return fmt.Errorf("validate: status %d: %s", code, strings.TrimSpace(string(resp)))
	}
	return printJSON(out, resp)
}

func route(args []string, out io.Writer) error {
	fs := newFlagSet("route")
	url := fs.String("url", "http://localhost:8000", "nexus base url")
	text := fs.String("text", "", "request description")
	source := fs.String("source", "", "request source")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*text) == "" {
		return errors.New("text required")
	}
	body, err := json.Marshal(map[string]string{"description": *text, "source": *source})
	if err != nil {
		return err
	}
	code, resp, err := httpx.RequestJSON(context.Background(), httpClient, http.MethodPost, baseURL(*url)+"/api/route-query", body, nil, 1, 200*time.Millisecond)
	if err != nil {
		return fmt.Errorf("route: %w", err)
	}
	if code == http.StatusForbidden {
		return fmt.Errorf("route: blocked by gate: %s", strings.TrimSpace(string(resp)))
	}
	if code != http.StatusOK {
		return fmt.Errorf("route: status %d: %s", code, strings.TrimSpace(string(resp)))
	}
	return printJSON(out, resp)
}

type smokeResult struct {
	Passed  int
	Blocked int
	Failed  int
}

func (r *smokeResult) observe(code int, err error) {
	switch {
	case err != nil:
		r.Failed++
	case code == http.StatusForbidden:
		r.Blocked++
	default:
		r.Passed++
	}
}

// smoke drives a few spaced requests followed by a tight burst against a
// gated endpoint and reports how many the gate turned away.
func smoke(args []string, out io.Writer) error {
	fs := newFlagSet("smoke")
	url := fs.String("url", "http://localhost:8000", "nexus base url")
	normal := fs.Int("normal", 5, "spaced requests before the burst")
	burst := fs.Int("burst", 50, "requests in the burst")
	interval := fs.Duration("interval", 500*time.Millisecond, "gap between spaced requests")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *normal < 0 || *burst < 0 {
		return errors.New("normal and burst must be non-negative")
	}
	target := baseURL(*url) + "/api/router/services"
	hit := func() (int, error) {
		code, _, err := httpx.RequestJSON(context.Background(), httpClient, http.MethodGet, target, nil, nil, 0, 0)
		return code, err
	}

	var spaced, flood smokeResult
	for i := 0; i < *normal; i++ {
		spaced.observe(hit())
		if i < *normal-1 {
			sleep(*interval)
		}
	}
	for i := 0; i < *burst; i++ {
		flood.observe(hit())
	}
	fmt.Fprintf(out, "normal: passed=%d blocked=%d failed=%d\n", spaced.Passed, spaced.Blocked, spaced.Failed)
	fmt.Fprintf(out, "burst:  passed=%d blocked=%d failed=%d\n", flood.Passed, flood.Blocked, flood.Failed)
	if spaced.Failed+flood.Failed == *normal+*burst && *normal+*burst > 0 {
		return errors.New("smoke: no request reached the service")
	}
	return nil
}

func model(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("model subcommand required: inspect or score")
	}
	switch args[0] {
	case "inspect":
		return modelInspect(args[1:], out)
	case "score":
		return modelScore(args[1:], out)
	default:
		return fmt.Errorf("unknown model subcommand: %s", args[0])
	}
}

func modelInspect(args []string, out io.Writer) error {
	fs := newFlagSet("model inspect")
	path := fs.String("path", "", "model artifact path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return errors.New("path required")
	}
	forest, err := anomaly.Load(*path)
	if err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(forest.Summary(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(encoded))
	return nil
}

func modelScore(args []string, out io.Writer) error {
	fs := newFlagSet("model score")
	path := fs.String("path", "", "model artifact path")
	requests := fs.Float64("requests", 1, "requests seen in the window")
	latency := fs.Float64("latency", 0, "latency in ms")
	isError := fs.Bool("error", false, "request ended in an error")
	payload := fs.Float64("payload", features.DefaultPayloadSize, "payload size")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return errors.New("path required")
	}
	forest, err := anomaly.Load(*path)
	if err != nil {
		return err
	}
	vec := features.Vector{RequestsPerWindow: *requests, LatencyMS: *latency, PayloadSize: *payload}
	if *isError {
		vec.ErrorIndicator = 1
	}
	pred, err := forest.Predict(vec.Values())
	if err != nil {
		return fmt.Errorf("score: %w", err)
	}
	encoded, err := json.MarshalIndent(map[string]any{
		"features":  vec,
		"score":     pred.Score,
		"anomalous": pred.Anomalous,
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(encoded))
	return nil
}

// tail prints gate decisions published to Kafka, one line each, until max
// messages were read or the timeout passes.
func tail(args []string, out io.Writer) error {
	fs := newFlagSet("tail")
	brokers := fs.String("brokers", os.Getenv("KAFKA_BROKERS"), "comma separated kafka brokers")
	topic := fs.String("topic", "nexus.gate.decisions", "decision topic")
	group := fs.String("group", "nexusctl", "consumer group")
	limit := fs.Int("max", 0, "stop after this many decisions (0 = unlimited)")
	timeout := fs.Duration("timeout", 0, "stop after this long (0 = never)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	consumer, err := openConsumer(eventbus.KafkaConfig{
		Brokers: eventbus.ParseBrokers(*brokers),
		Topic:   *topic,
		GroupID: *group,
	})
	if err != nil {
		return fmt.Errorf("tail: %w", err)
	}
	defer consumer.Close()

	ctx := context.Background()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}
	for n := 0; *limit <= 0 || n < *limit; n++ {
		msg, err := consumer.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("tail: %w", err)
		}
		d, err := eventbus.DecodeDecision(msg)
		if err != nil {
			fmt.Fprintf(out, "undecodable message key=%s: %v\n", msg.Key, err)
			continue
		}
		fmt.Fprintf(out, "%s client=%s source=%s blocked=%t confidence=%.2f enforced=%t reason=%q\n",
			d.At.UTC().Format(time.RFC3339), d.ClientID, d.Source, d.Verdict.Anomalous, d.Verdict.Confidence, d.Enforced, d.Verdict.Reason)
	}
	return nil
}
