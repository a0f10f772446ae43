package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
)

// hubbench floods the webhook ingress with synthetic provider events and
// reports latency percentiles. Useful for sizing the ingest bus and
// verifying dedup under provider-style retries.

var payloadShapes = map[string]func(i int) string{
	"whatsapp": func(i int) string {
		return fmt.Sprintf(`{"From":"whatsapp:+1415555%04d","Body":"bench message %d","MessageSid":"BENCH-%d"}`, i%10000, i, i)
	},
	"line": func(i int) string {
		return fmt.Sprintf(`{"events":[{"type":"message","replyToken":"rt-%d","source":{"userId":"U%04d"},"message":{"id":"bench-%d","type":"text","text":"bench message %d"}}]}`, i, i%10000, i, i)
	},
	"kakao": func(i int) string {
		return fmt.Sprintf(`{"messageId":"bench-%d","userRequest":{"user":{"id":"k-%04d"},"utterance":"bench message %d"}}`, i, i%10000, i)
	},
	"webchat": func(i int) string {
		return fmt.Sprintf(`{"session_id":"bench-%04d","message_id":"bench-%d","message":"bench message %d"}`, i%10000, i, i)
	},
}

func main() {
	base := flag.String("base", "http://localhost:8080", "hub base URL")
	channel := flag.String("channel", "webchat", "channel to target (whatsapp|line|kakao|webchat)")
	total := flag.Int("n", 10000, "total events to send")
	conns := flag.Int("c", 32, "concurrent senders")
	dupRate := flag.Float64("dup", 0.0, "fraction of events re-sent with the same provider id")
	token := flag.String("verify-token", "", "X-Verify-Token header value")
	flag.Parse()

	shape, ok := payloadShapes[*channel]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown channel %q\n", *channel)
		os.Exit(1)
	}
	url := *base + "/v1/webhooks/" + *channel

	client := &fasthttp.Client{
		MaxConnsPerHost: *conns * 2,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
	}

	var (
		sent, failed, dupAcked uint64
		mu                     sync.Mutex
		latencies              []time.Duration
	)

	jobs := make(chan int, *conns*4)
	var wg sync.WaitGroup
	start := time.Now()

	for w := 0; w < *conns; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				body := shape(i)
				// resend some events verbatim the way providers retry
				repeats := 1
				if *dupRate > 0 && rand.Float64() < *dupRate {
					repeats = 2
				}
				for rep := 0; rep < repeats; rep++ {
					req := fasthttp.AcquireRequest()
					resp := fasthttp.AcquireResponse()
					req.SetRequestURI(url)
					req.Header.SetMethod(fasthttp.MethodPost)
					req.Header.SetContentType("application/json")
					if *token != "" {
						req.Header.Set("X-Verify-Token", *token)
					}
					req.SetBodyString(body)

					t0 := time.Now()
					err := client.Do(req, resp)
					lat := time.Since(t0)

					status := resp.StatusCode()
					isDup := err == nil && status == 200 && rep > 0
					fasthttp.ReleaseRequest(req)
					fasthttp.ReleaseResponse(resp)

					if err != nil || status >= 500 {
						atomic.AddUint64(&failed, 1)
						continue
					}
					atomic.AddUint64(&sent, 1)
					if isDup {
						atomic.AddUint64(&dupAcked, 1)
					}
					mu.Lock()
					latencies = append(latencies, lat)
					mu.Unlock()
				}
			}
		}()
	}

	for i := 0; i < *total; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	elapsed := time.Since(start)

	sort.Slice(latencies, func(a, b int) bool { return latencies[a] < latencies[b] })
	pct := func(p float64) time.Duration {
		if len(latencies) == 0 {
			return 0
		}
		idx := int(p * float64(len(latencies)-1))
		return latencies[idx]
	}

	fmt.Printf("channel:   %s\n", *channel)
	fmt.Printf("sent:      %d ok, %d failed in %s (%.0f/s)\n",
		sent, failed, elapsed.Round(time.Millisecond), float64(sent)/elapsed.Seconds())
	if *dupRate > 0 {
		fmt.Printf("dup acks:  %d\n", dupAcked)
	}
	fmt.Printf("latency:   p50=%s p95=%s p99=%s max=%s\n",
		pct(0.50), pct(0.95), pct(0.99), pct(1.0))
}
