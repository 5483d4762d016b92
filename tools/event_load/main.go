// Command event_load opens many SSE connections to the vault event stream and,
// optionally, drives deposits against one account so the stream carries traffic.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type counters struct {
	connected   atomic.Int64
	connectErrs atomic.Int64
	streamErrs  atomic.Int64
	events      atomic.Int64
	deposits    atomic.Int64
	depositErrs atomic.Int64
}

func main() {
	var (
		baseURL      string
		connections  int
		testDuration time.Duration
		rampUp       time.Duration
		depositEvery time.Duration
		account      string
	)

	flag.StringVar(&baseURL, "url", "http://localhost:8080", "vault base URL")
	flag.IntVar(&connections, "conns", 1000, "number of concurrent stream connections")
	flag.DurationVar(&testDuration, "dur", 60*time.Second, "test duration (0 for until interrupted)")
	flag.DurationVar(&rampUp, "ramp", 0, "spread connection starts across this window")
	flag.DurationVar(&depositEvery, "deposit-every", 0, "post a deposit at this interval (0 disables)")
	flag.StringVar(&account, "account", "load-test", "account credited by the deposit pump")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	if connections <= 0 {
		logger.Fatal("invalid conns", zap.Int("conns", connections))
	}
	if rampUp == 0 && connections > 100 {
		// 1 second per 500 connections
		rampUp = time.Duration(connections/500) * time.Second
		if rampUp < time.Second {
			rampUp = time.Second
		}
	}
	baseURL = strings.TrimRight(baseURL, "/")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if testDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, testDuration)
		defer cancel()
	}

	client := &http.Client{
		Transport: &http.Transport{
			MaxConnsPerHost:     connections + 100,
			MaxIdleConns:        connections + 100,
			MaxIdleConnsPerHost: connections + 100,
			DisableCompression:  true,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		},
	}

	logger.Info("starting event load",
		zap.String("url", baseURL),
		zap.Int("conns", connections),
		zap.Duration("duration", testDuration),
		zap.Duration("ramp", rampUp),
		zap.Duration("deposit_every", depositEvery))

	var c counters
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)

	if depositEvery > 0 {
		g.Go(func() error {
			return pumpDeposits(gctx, client, baseURL, account, depositEvery, &c)
		})
	}

	g.Go(func() error {
		report(gctx, logger, start, &c)
		return nil
	})

	var interval time.Duration
	if rampUp > 0 {
		interval = rampUp / time.Duration(connections)
	}
	for i := 0; i < connections && gctx.Err() == nil; i++ {
		if i > 0 && interval > 0 {
			select {
			case <-gctx.Done():
			case <-time.After(interval):
			}
		}
		g.Go(func() error {
			stream(gctx, client, baseURL+"/events/stream", &c)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("load run failed", zap.Error(err))
	}

	elapsed := time.Since(start)
	fmt.Printf("done: connected=%d connect_errs=%d stream_errs=%d events=%d deposits=%d deposit_errs=%d elapsed=%s events/s=%.2f\n",
		c.connected.Load(), c.connectErrs.Load(), c.streamErrs.Load(), c.events.Load(),
		c.deposits.Load(), c.depositErrs.Load(),
		elapsed.Truncate(time.Millisecond),
		float64(c.events.Load())/elapsed.Seconds())
}

func stream(ctx context.Context, client *http.Client, url string, c *counters) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.connectErrs.Add(1)
		return
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		c.connectErrs.Add(1)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.connectErrs.Add(1)
		return
	}

	c.connected.Add(1)
	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if ctx.Err() == nil {
				c.streamErrs.Add(1)
			}
			return
		}
		// heartbeats start with ':'
		if strings.HasPrefix(line, "event:") {
			c.events.Add(1)
		}
	}
}

func pumpDeposits(ctx context.Context, client *http.Client, baseURL, account string, every time.Duration, c *counters) error {
	// 409 means the account survived a previous run
	status, err := post(ctx, client, baseURL+"/accounts", map[string]string{"id": account})
	if err != nil || ctx.Err() != nil {
		return err
	}
	if status != http.StatusCreated && status != http.StatusConflict {
		return fmt.Errorf("create account %s: status %d", account, status)
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			status, err := post(ctx, client, baseURL+"/deposits", map[string]string{
				"account_id": account,
				"asset":      "USDT",
				"amount":     "1",
				"ref":        uuid.NewString(),
			})
			if err != nil || status != http.StatusCreated {
				c.depositErrs.Add(1)
				continue
			}
			c.deposits.Add(1)
		}
	}
}

func post(ctx context.Context, client *http.Client, url string, body any) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil
		}
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

func report(ctx context.Context, logger *zap.Logger, start time.Time, c *counters) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("status",
				zap.Int64("connected", c.connected.Load()),
				zap.Int64("connect_errs", c.connectErrs.Load()),
				zap.Int64("stream_errs", c.streamErrs.Load()),
				zap.Int64("events", c.events.Load()),
				zap.Int64("deposits", c.deposits.Load()),
				zap.Duration("elapsed", time.Since(start).Truncate(time.Second)))
		}
	}
}
