// tpfeed replays intercepted analytics requests through the forwarding
// pipeline. It exists for development: point it at a JSONL capture (or use
// the built-in samples) and watch tracks flow to the collection endpoint.
package main

import (
	"bufio"
	"encoding/json"
	"os"
	"time"

	"github.com/bytedance/sonic"
	"github.com/n0needt0/go-goodies/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	trackingplan "github.com/trackingplan/trackingplan-go"
	"github.com/trackingplan/trackingplan-go/config"
	"github.com/trackingplan/trackingplan-go/domain"
)

var (
	conf      = config.Config{}
	envPrefix = "TP_"

	cfgFile string
	waitSec int
)

// feedRequest is one line of a JSONL capture file.
type feedRequest struct {
	URL    string `json:"url"`
	Method string `json:"method"`
	Body   string `json:"body"`
}

var builtinSamples = []feedRequest{
	{URL: "https://api.segment.io/v1/track", Method: "POST", Body: `{"event":"Product Viewed","userId":"u-1001"}`},
	{URL: "https://api.segment.io/v1/identify", Method: "POST", Body: `{"userId":"u-1001","traits":{"plan":"pro"}}`},
	{URL: "https://api.mixpanel.com/track", Method: "POST", Body: `{"event":"Signup","properties":{"distinct_id":"u-1001"}}`},
	{URL: "https://www.google-analytics.com/collect", Method: "POST", Body: `v=1&tid=UA-1&cid=555&t=pageview`},
	{URL: "https://api.amplitude.com/2/httpapi", Method: "POST", Body: `{"events":[{"event_type":"checkout"}]}`},
}

var rootCmd = &cobra.Command{
	Use:   "tpfeed [capture.jsonl]",
	Short: "Replay intercepted analytics requests through the forwarding pipeline",
	Args:  cobra.MaximumNArgs(1),
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "configuration file")
	rootCmd.PersistentFlags().IntVar(&waitSec, "wait", 3, "seconds to wait for deliveries before exiting")
	rootCmd.PersistentFlags().String("tp_id", "", "Trackingplan account id")
	rootCmd.PersistentFlags().String("environment", "", "execution environment")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug mode")
	rootCmd.PersistentFlags().Int("batch_size", 0, "tracks per batch")
}

func run(cmd *cobra.Command, args []string) error {
	if err := config.LoadConfig(cfgFile, envPrefix, &conf); err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := config.LoadFlags(cmd.Flags(), &conf); err != nil {
		return errors.Wrap(err, "failed to load flags")
	}

	instance, err := trackingplan.New(conf)
	if err != nil {
		return errors.Wrap(err, "failed to initialize pipeline")
	}
	instance.Start()

	requests := builtinSamples
	if len(args) == 1 {
		requests, err = loadCapture(args[0])
		if err != nil {
			return err
		}
	}

	for _, r := range requests {
		instance.ProcessRequest(domain.Request{
			URL:    r.URL,
			Method: r.Method,
			Body:   []byte(r.Body),
		})
	}
	log.Infof("Replayed %d requests", len(requests))

	instance.Flush()
	time.Sleep(time.Duration(waitSec) * time.Second)

	instance.OnTerminate()
	instance.Stop()

	log.Infof("Pipeline stats: %s", prettyPrint(instance.Stats()))
	return nil
}

// loadCapture reads a JSONL capture file, one request per line. Blank lines
// are skipped.
func loadCapture(path string) ([]feedRequest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	var requests []feedRequest
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r feedRequest
		if err := sonic.Unmarshal(line, &r); err != nil {
			return nil, errors.Wrapf(err, "malformed capture line in %s", path)
		}
		requests = append(requests, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	return requests, nil
}

func prettyPrint(i interface{}) string {
	s, _ := json.MarshalIndent(i, "", "\t")
	return string(s)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("failed to start: %s\n", err.Error())
		os.Exit(11)
	}
}
