package main

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/coordinator"
	"github.com/pingcap/errors"
	"github.com/spf13/cobra"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"
)

const initialBalance = 100

var (
	benchWorkers int
	benchTxns    int
	benchKeys    int
	benchQPS     int

	benchCtx, cancelBench = context.WithCancel(context.Background())
)

func newBenchCommand() *cobra.Command {
	m := &cobra.Command{
		Use:   "bench",
		Short: "Run a transfer workload against an embedded server",
		Args:  cobra.NoArgs,
		Run:   runBenchCommandFunc,
	}
	m.Flags().IntVar(&benchWorkers, "workers", 8, "Number of concurrent clients")
	m.Flags().IntVar(&benchTxns, "txns", 10000, "Total number of transfers")
	m.Flags().IntVar(&benchKeys, "keys", 100, "Number of accounts")
	m.Flags().IntVar(&benchQPS, "qps", 0, "Transfers per second over all workers, 0 for no limit")
	return m
}

func runBenchCommandFunc(cmd *cobra.Command, args []string) {
	if benchWorkers < 1 || benchKeys < 2*benchWorkers {
		fmt.Println("bench needs at least 1 worker and 2 keys per worker")
		return
	}
	svr, err := newEmbeddedServer()
	if err != nil {
		fmt.Printf("start server failed %v\n", err)
		return
	}
	defer svr.Close()

	c := svr.Coordinator()
	if err := loadAccounts(benchCtx, c, benchKeys); err != nil {
		fmt.Printf("load accounts failed %v\n", err)
		return
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if benchQPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(benchQPS), benchQPS)
	}
	b := &bench{
		c:         c,
		limiter:   limiter,
		keys:      benchKeys,
		latencies: make([]float64, 0, benchTxns),
	}
	start := time.Now()
	b.run(benchCtx, benchWorkers, benchTxns)
	elapsed := time.Since(start)

	fmt.Println(summarize(b.latencies, elapsed))
	fmt.Printf("committed %d, aborted %d, failed %d\n", b.committed.Load(), b.aborted.Load(), b.failed.Load())

	total, err := sumAccounts(benchCtx, c, benchKeys)
	if err != nil {
		fmt.Printf("check balance failed %v\n", err)
		return
	}
	if total != int64(benchKeys*initialBalance) {
		fmt.Printf("balance check FAILED: total %d, expect %d\n", total, benchKeys*initialBalance)
		return
	}
	fmt.Printf("balance check ok: total %d\n", total)
}

func accountKey(i int) []byte {
	return []byte(fmt.Sprintf("account-%06d", i))
}

func loadAccounts(ctx context.Context, c *coordinator.Coordinator, n int) error {
	txn := c.Begin()
	for i := 0; i < n; i++ {
		if err := c.Put(ctx, txn, accountKey(i), []byte(strconv.Itoa(initialBalance))); err != nil {
			return err
		}
	}
	committed, err := c.Commit(ctx, txn)
	if err != nil {
		return err
	}
	if !committed {
		return errors.New("load transaction aborted")
	}
	return nil
}

func readBalance(ctx context.Context, c *coordinator.Coordinator, txn uint64, key []byte) (int64, error) {
	val, ok, err := c.Get(ctx, txn, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errors.Errorf("account %s not found", key)
	}
	return strconv.ParseInt(string(val), 10, 64)
}

// sumAccounts reads every balance in one snapshot.
func sumAccounts(ctx context.Context, c *coordinator.Coordinator, n int) (int64, error) {
	txn := c.Begin()
	defer c.Rollback(ctx, txn)
	var total int64
	for i := 0; i < n; i++ {
		b, err := readBalance(ctx, c, txn, accountKey(i))
		if err != nil {
			return 0, err
		}
		total += b
	}
	return total, nil
}

type bench struct {
	c       *coordinator.Coordinator
	limiter *rate.Limiter
	keys    int

	mu        sync.Mutex
	latencies []float64

	committed atomic.Int64
	aborted   atomic.Int64
	failed    atomic.Int64
}

// run splits the accounts into one range per worker. Transactions of
// different workers never write the same key, so balances add up without
// conflict detection.
func (b *bench) run(ctx context.Context, workers, txns int) {
	var wg sync.WaitGroup
	per, span := txns/workers, b.keys/workers
	for i := 0; i < workers; i++ {
		n, first, count := per, i*span, span
		if i == workers-1 {
			n = txns - per*(workers-1)
			count = b.keys - first
		}
		wg.Add(1)
		go func(seed int64, n, first, count int) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			for j := 0; j < n; j++ {
				if err := b.limiter.Wait(ctx); err != nil {
					return
				}
				b.transfer(ctx, rnd, first, count)
			}
		}(int64(i), n, first, count)
	}
	wg.Wait()
}

func (b *bench) transfer(ctx context.Context, rnd *rand.Rand, first, count int) {
	from := rnd.Intn(count)
	to := rnd.Intn(count - 1)
	if to >= from {
		to++
	}
	from, to = first+from, first+to

	start := time.Now()
	committed, err := b.doTransfer(ctx, accountKey(from), accountKey(to))
	lat := time.Since(start)
	switch {
	case err != nil:
		b.failed.Inc()
		return
	case committed:
		b.committed.Inc()
	default:
		b.aborted.Inc()
	}
	b.mu.Lock()
	b.latencies = append(b.latencies, float64(lat)/float64(time.Millisecond))
	b.mu.Unlock()
}

func (b *bench) doTransfer(ctx context.Context, from, to []byte) (bool, error) {
	c := b.c
	txn := c.Begin()
	fromBalance, err := readBalance(ctx, c, txn, from)
	if err != nil {
		c.Rollback(ctx, txn)
		return false, err
	}
	toBalance, err := readBalance(ctx, c, txn, to)
	if err != nil {
		c.Rollback(ctx, txn)
		return false, err
	}
	if fromBalance == 0 {
		return false, c.Rollback(ctx, txn)
	}
	if err := c.Put(ctx, txn, from, []byte(strconv.FormatInt(fromBalance-1, 10))); err != nil {
		c.Rollback(ctx, txn)
		return false, err
	}
	if err := c.Put(ctx, txn, to, []byte(strconv.FormatInt(toBalance+1, 10))); err != nil {
		c.Rollback(ctx, txn)
		return false, err
	}
	return c.Commit(ctx, txn)
}

// summarize formats latencies, in milliseconds, of the transactions finished
// in elapsed.
func summarize(latencies []float64, elapsed time.Duration) string {
	if len(latencies) == 0 {
		return fmt.Sprintf("TOTAL - Takes(s): %.1f, Count: 0", elapsed.Seconds())
	}
	data := stats.Float64Data(latencies)
	mean, _ := stats.Mean(data)
	p50, _ := stats.Percentile(data, 50)
	p99, _ := stats.Percentile(data, 99)
	max, _ := stats.Max(data)
	ops := float64(len(latencies)) / elapsed.Seconds()
	return fmt.Sprintf("TOTAL - Takes(s): %.1f, Count: %d, OPS: %.1f, Avg(ms): %.3f, P50(ms): %.3f, P99(ms): %.3f, Max(ms): %.3f",
		elapsed.Seconds(), len(latencies), ops, mean, p50, p99, max)
}
