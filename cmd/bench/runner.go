package bench

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/hlock/lib/common"
	"github.com/ValentinKolb/hlock/lib/epoch"
	"github.com/ValentinKolb/hlock/lib/hashindex"
	"github.com/ValentinKolb/hlock/lib/lockmgr"
	"github.com/ValentinKolb/hlock/lib/locktable"
	"github.com/ValentinKolb/hlock/lib/store"
	"github.com/ValentinKolb/hlock/lib/util"
	"github.com/lni/dragonboat/v4/logger"
	gometrics "github.com/rcrowley/go-metrics"
)

var plog = logger.GetLogger("bench")

const (
	// operations between two checks of the run deadline and meter updates
	batchSize = 256
	// every latencySample-th operation is timed
	latencySample = 64
	// operations between two non-blocking CompletePending calls
	completeEvery = 32
)

// sharedSentinel is held shared by every session and the lock manager in
// manual mode. Sentinel keys are never part of the 8 byte workload key space.
var sharedSentinel = []byte("sentinel/shared")

func exclusiveSentinel(worker int) []byte {
	return []byte(fmt.Sprintf("sentinel/exclusive/%d", worker))
}

// workloadKey encodes k as the 8 byte key of the workload.
func workloadKey(buf []byte, k uint64) []byte {
	binary.BigEndian.PutUint64(buf, k)
	return buf
}

// counts are the per-worker operation counters, merged after the run.
type counts struct {
	reads, upserts, rmws, notFound, pending atomic.Int64
}

type runner struct {
	conf    *common.BenchConfig
	st      store.IStore
	meter   gometrics.Meter
	latency gometrics.Histogram
	counts  counts
}

// Run loads the key space, runs the workload for conf.Duration and returns
// the report. ctx cancels the whole run.
func Run(ctx context.Context, conf *common.BenchConfig) (*Report, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	st := store.NewStore(&store.Options{
		EpochOptions:    &epoch.Options{MaxHandles: 2*conf.Threads + 16},
		Index:           &hashindex.Options{Buckets: conf.Buckets},
		RefreshInterval: conf.RefreshInterval,
		IOLatency:       conf.IOLatency,
	})

	registry := gometrics.NewRegistry()
	r := &runner{
		conf:    conf,
		st:      st,
		meter:   gometrics.NewMeter(),
		latency: gometrics.NewHistogram(gometrics.NewExpDecaySample(1028, 0.015)),
	}
	defer r.meter.Stop()
	_ = registry.Register("ops", r.meter)
	_ = registry.Register("latency_ns", r.latency)

	report := &Report{Config: *conf, registry: registry, locks: st.LockTable()}
	err := r.execute(ctx, report)
	if cerr := st.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	if err != nil {
		return nil, err
	}
	return report, nil
}

func (r *runner) execute(ctx context.Context, report *Report) error {
	loadStart := time.Now()
	if err := r.load(ctx); err != nil {
		return fmt.Errorf("load: %w", err)
	}
	report.LoadTime = time.Since(loadStart)
	if err := r.prepareLog(ctx); err != nil {
		return err
	}

	if r.conf.LockImpl == common.LockImplManual {
		mgr := lockmgr.NewLockManager(r.st)
		defer mgr.Close()
		report.manager = mgr
		ok, owner, err := mgr.AcquireLock(ctx, string(sharedSentinel), locktable.LockShared, time.Second)
		if err != nil {
			return fmt.Errorf("lock shared sentinel: %w", err)
		}
		if !ok {
			return errors.New("lock shared sentinel: timed out")
		}
		defer func() {
			if _, err := mgr.ReleaseLock(string(sharedSentinel), owner); err != nil {
				plog.Errorf("release shared sentinel: %v", err)
			}
		}()
	}

	runCtx, cancel := context.WithTimeout(ctx, r.conf.Duration)
	defer cancel()

	var (
		wg   sync.WaitGroup
		errs = make([]error, r.conf.Threads)
	)
	if r.conf.CheckpointInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report.Checkpoints, report.CheckpointBytes = r.checkpoints(runCtx)
		}()
	}

	start := time.Now()
	for i := 0; i < r.conf.Threads; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = r.work(ctx, runCtx, i)
		}(i)
	}
	wg.Wait()
	report.Elapsed = time.Since(start)

	if err := errors.Join(errs...); err != nil {
		return err
	}
	r.fill(report)
	return nil
}

// load upserts every key of the workload, split across the worker count.
func (r *runner) load(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		errs = make([]error, r.conf.Threads)
	)
	for i := 0; i < r.conf.Threads; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := r.st.NewSession()
			if err != nil {
				errs[i] = err
				return
			}
			defer s.Close()
			key, value := make([]byte, 8), make([]byte, 8)
			for k := uint64(i); k < r.conf.Keys; k += uint64(r.conf.Threads) {
				binary.LittleEndian.PutUint64(value, k)
				if _, err := s.Upsert(ctx, workloadKey(key, k), value); err != nil {
					errs[i] = err
					return
				}
			}
		}(i)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// prepareLog makes every loaded record read-only and moves the configured
// share of them below head.
func (r *runner) prepareLog(ctx context.Context) error {
	info := r.st.GetInfo()
	r.st.ShiftReadOnlyAddress(info.TailAddress)
	if r.conf.HeadFraction <= 0 {
		return nil
	}
	head := info.BeginAddress + uint64(float64(info.TailAddress-info.BeginAddress)*r.conf.HeadFraction)
	if err := r.st.ShiftHeadAddress(ctx, head); err != nil {
		return fmt.Errorf("shift head: %w", err)
	}
	plog.Infof("moved %d records below head", head-info.BeginAddress)
	return nil
}

// work runs the workload of one session until runCtx is done. Pending
// operations are completed afterwards even if ctx is canceled.
func (r *runner) work(ctx, runCtx context.Context, worker int) (err error) {
	s, err := r.st.NewSession()
	if err != nil {
		return err
	}
	defer func() {
		if _, cerr := s.CompletePending(context.WithoutCancel(ctx), true); cerr != nil {
			err = errors.Join(err, cerr)
		}
		if s.Lockable().Held() > 0 {
			err = errors.Join(err, s.Lockable().UnlockAll())
		}
		err = errors.Join(err, s.Close())
	}()

	if r.conf.LockImpl == common.LockImplManual {
		if err := s.Lockable().Lock(ctx, store.Exclusive(exclusiveSentinel(worker)), store.Shared(sharedSentinel)); err != nil {
			return fmt.Errorf("lock sentinels: %w", err)
		}
	}

	var (
		rng      = rand.New(rand.NewPCG(util.GenerateSeed(), uint64(worker)))
		one      = make([]byte, 8)
		executed int64
	)
	binary.LittleEndian.PutUint64(one, 1)

	for n := 1; ; n++ {
		if n%batchSize == 0 {
			r.meter.Mark(batchSize)
			executed += batchSize
			if runCtx.Err() != nil {
				break
			}
		}

		op := &store.Operation{Key: workloadKey(make([]byte, 8), rng.Uint64N(r.conf.Keys))}
		switch {
		case r.conf.ReadPercent < 0:
			op.Kind, op.Input = store.OpRMW, one
		case rng.IntN(100) < r.conf.ReadPercent:
			op.Kind = store.OpRead
		default:
			op.Kind, op.Input = store.OpUpsert, op.Key
		}

		var started time.Time
		if n%latencySample == 0 {
			started = time.Now()
		}
		status, err := s.Execute(runCtx, op)
		if err != nil {
			if runCtx.Err() != nil {
				break
			}
			return err
		}
		if !started.IsZero() {
			r.latency.Update(time.Since(started).Nanoseconds())
		}
		r.record(op.Kind, status)

		if n%completeEvery == 0 && s.Pending() > 0 {
			done, err := s.CompletePending(runCtx, false)
			if err != nil && runCtx.Err() == nil {
				return err
			}
			for _, op := range done {
				if op.Err != nil {
					return op.Err
				}
				if op.Status == store.StatusNotFound {
					r.counts.notFound.Add(1)
				}
			}
		}
	}
	plog.Debugf("worker %d finished after %d operations", worker, executed)
	return nil
}

func (r *runner) record(kind store.OpKind, status store.Status) {
	switch kind {
	case store.OpRead:
		r.counts.reads.Add(1)
	case store.OpUpsert:
		r.counts.upserts.Add(1)
	case store.OpRMW:
		r.counts.rmws.Add(1)
	}
	switch status {
	case store.StatusPending:
		r.counts.pending.Add(1)
	case store.StatusNotFound:
		r.counts.notFound.Add(1)
	}
}

// checkpoints writes a checkpoint to io.Discard every interval until ctx is done.
func (r *runner) checkpoints(ctx context.Context) (n int, written int64) {
	ticker := time.NewTicker(r.conf.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return n, written
		case <-ticker.C:
			info, err := r.st.Checkpoint(ctx, io.Discard)
			if err != nil {
				if ctx.Err() == nil {
					plog.Warningf("checkpoint failed: %v", err)
				}
				continue
			}
			n++
			written += info.Bytes
		}
	}
}

func (r *runner) fill(report *Report) {
	report.Ops = r.meter.Count()
	report.Reads = r.counts.reads.Load()
	report.Upserts = r.counts.upserts.Load()
	report.RMWs = r.counts.rmws.Load()
	report.NotFound = r.counts.notFound.Load()
	report.Pending = r.counts.pending.Load()
	if report.Elapsed > 0 {
		report.Throughput = float64(report.Ops) / report.Elapsed.Seconds()
	}
	ps := r.latency.Percentiles([]float64{0.5, 0.99, 0.999})
	report.LatencyP50 = time.Duration(ps[0])
	report.LatencyP99 = time.Duration(ps[1])
	report.LatencyP999 = time.Duration(ps[2])
	report.Store = r.st.GetInfo()
}
