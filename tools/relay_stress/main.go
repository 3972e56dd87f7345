// Command relay_stress drives a relay with many concurrent senders and one
// observer, and reports throughput and end-to-end delivery latency.
package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VanDung-dev/eventnet/logging"
	"github.com/VanDung-dev/eventnet/network"
	"github.com/VanDung-dev/eventnet/relay"
)

// StressTestConfig holds configuration for the stress test.
type StressTestConfig struct {
	Address     string
	Senders     int
	Rate        int
	PayloadSize int
	Duration    time.Duration
	Token       string
	ReportFile  string
}

// StressTestResult holds the results of a stress test.
type StressTestResult struct {
	Sent          int64
	SendFailed    int64
	Received      int64
	TotalDuration time.Duration
	AvgLatency    time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
	EventsPerSec  float64
}

const typeName = "stress.sample"

var log = logging.Component("relay_stress")

func main() {
	config := parseFlags()

	fmt.Println("=== eventnet Relay Stress Test ===")
	fmt.Printf("Target:   %s\n", config.Address)
	fmt.Printf("Senders:  %d at %d events/s each\n", config.Senders, config.Rate)
	fmt.Printf("Duration: %v\n", config.Duration)
	fmt.Println()

	result, err := runStressTest(config)
	if err != nil {
		log.Fatal().Err(err).Msg("stress test failed")
	}

	printResults(result)

	if config.ReportFile != "" {
		saveReport(config, result)
	}
}

func parseFlags() StressTestConfig {
	config := StressTestConfig{}

	flag.StringVar(&config.Address, "addr", "tcp://127.0.0.1:7400", "Relay address")
	flag.IntVar(&config.Senders, "c", 10, "Number of concurrent sender nodes")
	flag.IntVar(&config.Rate, "rate", 1000, "Events per second per sender")
	flag.IntVar(&config.PayloadSize, "size", 64, "Payload size in bytes (minimum 8)")
	flag.DurationVar(&config.Duration, "d", 30*time.Second, "Duration of test")
	flag.StringVar(&config.Token, "token", "", "Relay session token shared by all nodes")
	flag.StringVar(&config.ReportFile, "o", "", "Output report file (JSON)")

	flag.Parse()

	config.PayloadSize = max(config.PayloadSize, 8)
	config.Rate = max(config.Rate, 1)
	return config
}

type latencyStats struct {
	count int64
	sum   int64
	min   int64
	max   int64
}

func (s *latencyStats) observe(lat time.Duration) {
	l := int64(lat)
	atomic.AddInt64(&s.count, 1)
	atomic.AddInt64(&s.sum, l)
	for {
		old := atomic.LoadInt64(&s.min)
		if (old != 0 && l >= old) || atomic.CompareAndSwapInt64(&s.min, old, l) {
			break
		}
	}
	for {
		old := atomic.LoadInt64(&s.max)
		if l <= old || atomic.CompareAndSwapInt64(&s.max, old, l) {
			break
		}
	}
}

func runStressTest(config StressTestConfig) (StressTestResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), config.Duration)
	defer cancel()

	clientCfg := relay.DefaultClientConfig()
	clientCfg.Token = config.Token

	observer := relay.NewClient(network.NewNodeID(), clientCfg)
	if err := observer.Connect(ctx, config.Address); err != nil {
		return StressTestResult{}, err
	}
	defer func() { _ = observer.Disconnect() }()

	var (
		sent, failed int64
		stats        latencyStats
		wg           sync.WaitGroup
	)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-observer.Receive():
				if len(ev.Payload) < 8 {
					continue
				}
				sentAt := int64(binary.BigEndian.Uint64(ev.Payload))
				stats.observe(time.Duration(time.Now().UnixNano() - sentAt))
			}
		}
	}()

	startTime := time.Now()
	for i := 0; i < config.Senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runSender(ctx, config, clientCfg, &sent, &failed)
		}()
	}
	wg.Wait()
	duration := time.Since(startTime)

	var avg time.Duration
	if n := atomic.LoadInt64(&stats.count); n > 0 {
		avg = time.Duration(atomic.LoadInt64(&stats.sum) / n)
	}
	received := atomic.LoadInt64(&stats.count)

	return StressTestResult{
		Sent:          atomic.LoadInt64(&sent),
		SendFailed:    atomic.LoadInt64(&failed),
		Received:      received,
		TotalDuration: duration,
		AvgLatency:    avg,
		MinLatency:    time.Duration(atomic.LoadInt64(&stats.min)),
		MaxLatency:    time.Duration(atomic.LoadInt64(&stats.max)),
		EventsPerSec:  float64(received) / duration.Seconds(),
	}, nil
}

func runSender(ctx context.Context, config StressTestConfig, clientCfg relay.ClientConfig, sent, failed *int64) {
	id := network.NewNodeID()
	client := relay.NewClient(id, clientCfg)
	if err := client.Connect(ctx, config.Address); err != nil {
		log.Warn().Err(err).Stringer("node", id).Msg("sender could not connect")
		return
	}
	defer func() { _ = client.Disconnect() }()

	ticker := time.NewTicker(time.Second / time.Duration(config.Rate))
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq++
			payload := make([]byte, config.PayloadSize)
			binary.BigEndian.PutUint64(payload, uint64(time.Now().UnixNano()))
			err := client.Send(network.RawEvent{
				Metadata: network.NewMetadata(id, seq),
				Scope:    network.Broadcast(),
				TypeName: typeName,
				Payload:  payload,
			})
			if err != nil {
				atomic.AddInt64(failed, 1)
				continue
			}
			atomic.AddInt64(sent, 1)
		}
	}
}

func printResults(result StressTestResult) {
	fmt.Println("=== Results ===")
	fmt.Printf("Duration:     %v\n", result.TotalDuration.Round(time.Millisecond))
	fmt.Printf("Sent:         %d\n", result.Sent)
	fmt.Printf("Send failed:  %d\n", result.SendFailed)
	if result.Sent > 0 {
		fmt.Printf("Received:     %d (%.2f%%)\n", result.Received, float64(result.Received)/float64(result.Sent)*100)
	}
	fmt.Printf("Events/sec:   %.2f\n", result.EventsPerSec)
	fmt.Printf("Avg Latency:  %v\n", result.AvgLatency.Round(time.Microsecond))
	fmt.Printf("Min Latency:  %v\n", result.MinLatency.Round(time.Microsecond))
	fmt.Printf("Max Latency:  %v\n", result.MaxLatency.Round(time.Microsecond))
}

func saveReport(config StressTestConfig, result StressTestResult) {
	report := map[string]any{
		"config": map[string]any{
			"address":      config.Address,
			"senders":      config.Senders,
			"rate":         config.Rate,
			"payload_size": config.PayloadSize,
			"duration":     config.Duration.String(),
		},
		"results": map[string]any{
			"sent":           result.Sent,
			"send_failed":    result.SendFailed,
			"received":       result.Received,
			"events_per_sec": result.EventsPerSec,
			"avg_latency_ms": float64(result.AvgLatency.Microseconds()) / 1000,
			"min_latency_ms": float64(result.MinLatency.Microseconds()) / 1000,
			"max_latency_ms": float64(result.MaxLatency.Microseconds()) / 1000,
		},
		"timestamp": time.Now().Format(time.RFC3339),
	}

	data, _ := json.MarshalIndent(report, "", "  ")
	if err := os.WriteFile(config.ReportFile, data, 0o644); err != nil {
		log.Error().Err(err).Msg("failed to write report")
	} else {
		fmt.Printf("Report saved to: %s\n", config.ReportFile)
	}
}
