// Package pipeline wires the bridge together: serial frames are parsed and
// calibrated on one goroutine, then handed to the durable log and the
// broker publisher, each draining its own queue.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/eddielth/sensorbridge/calibration"
	"github.com/eddielth/sensorbridge/config"
	"github.com/eddielth/sensorbridge/frame"
	"github.com/eddielth/sensorbridge/link"
	"github.com/eddielth/sensorbridge/logger"
	"github.com/eddielth/sensorbridge/metrics"
	"github.com/eddielth/sensorbridge/mqtt"
	"github.com/eddielth/sensorbridge/natsbus"
	"github.com/eddielth/sensorbridge/publisher"
	"github.com/eddielth/sensorbridge/serialport"
	"github.com/eddielth/sensorbridge/storage"
)

// Options overrides the collaborators New would otherwise build from the
// configuration
type Options struct {
	// Open replaces the serial device opener
	Open link.OpenFunc
	// Replay marks Open as a finite capture: end of stream stops the run
	// instead of counting as a link failure
	Replay bool
	// Transport replaces the broker client
	Transport publisher.Transport
	// Backends replaces the CSV store and SQL mirror; the first is primary
	Backends []storage.Backend
	// Ticks replaces the heartbeat ticker
	Ticks <-chan time.Time
}

// Pipeline is one run of the bridge
type Pipeline struct {
	cfg     *config.Config
	session string
	host    string

	set    *calibration.Set
	parser *frame.Parser
	engine *calibration.Engine

	open      link.OpenFunc
	replay    bool
	transport publisher.Transport
	store     *storage.Manager
	pub       *publisher.Publisher
	sup       *link.Supervisor
	ticks     <-chan time.Time
	metrics   *metrics.Server

	logQueue chan calibration.Sample
	pubQueue chan calibration.Sample

	// written only by the intake goroutine
	seq          uint64
	processed    atomic.Uint64
	malformed    atomic.Uint64
	queueDropped atomic.Uint64
}

// New builds a pipeline from cfg. Everything that can fail before the first
// frame fails here: the channel set, the decoder and the durable store.
func New(cfg *config.Config, opts Options) (*Pipeline, error) {
	set, err := cfg.ChannelSet()
	if err != nil {
		return nil, err
	}

	decoder, err := newDecoder(cfg.Serial, set)
	if err != nil {
		return nil, fmt.Errorf("build %s decoder: %w", cfg.Serial.Format, err)
	}

	p := &Pipeline{
		cfg:      cfg,
		session:  uuid.NewString(),
		host:     hostname(),
		set:      set,
		parser:   frame.NewParser(decoder, set.Len()),
		engine:   calibration.NewEngine(set),
		open:     opts.Open,
		replay:   opts.Replay,
		ticks:    opts.Ticks,
		logQueue: make(chan calibration.Sample, cfg.Pipeline.QueueSize),
		pubQueue: make(chan calibration.Sample, cfg.Pipeline.QueueSize),
	}

	if p.open == nil {
		p.open, err = serialport.Opener(serialport.Config{
			Port:     cfg.Serial.Port,
			Baud:     cfg.Serial.Baud,
			DataBits: cfg.Serial.DataBits,
			Parity:   cfg.Serial.Parity,
			StopBits: cfg.Serial.StopBits,
		})
		if err != nil {
			return nil, err
		}
	}

	backends := opts.Backends
	if backends == nil {
		backends, err = p.openBackends()
		if err != nil {
			return nil, err
		}
	}
	p.store = storage.NewManager(storage.RetryConfig{
		Attempts:   cfg.Storage.Retry.Attempts,
		Initial:    cfg.Storage.Retry.Initial,
		Max:        cfg.Storage.Retry.Max,
		Multiplier: cfg.Storage.Retry.Multiplier,
	}, backends...)

	p.transport = opts.Transport
	if p.transport == nil {
		p.transport, err = newTransport(cfg.Broker)
		if err != nil {
			p.store.Close()
			return nil, err
		}
	}

	p.sup = link.NewSupervisor(link.Options{
		Session:            p.session,
		Host:               p.host,
		MalformedThreshold: cfg.Link.MalformedThreshold,
		Backoff: link.Backoff{
			Initial:    cfg.Link.Backoff.Initial,
			Max:        cfg.Link.Backoff.Max,
			Multiplier: cfg.Link.Backoff.Multiplier,
			Jitter:     cfg.Link.Backoff.Jitter,
		},
		Counters: p,
	})
	p.pub = publisher.New(p.transport, publisher.Options{
		DataTopic:      cfg.Broker.DataTopic,
		HeartbeatTopic: cfg.Broker.HeartbeatTopic,
	}, p.sup.Broker().State)

	if cfg.Metrics.Addr != "" {
		reg, err := metrics.NewRegistry(p, p.sup)
		if err != nil {
			p.store.Close()
			return nil, err
		}
		p.metrics = metrics.NewServer(cfg.Metrics.Addr, reg, p.sup)
	}

	return p, nil
}

func hostname() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "unknown"
	}
	return host
}

func newDecoder(cfg config.SerialConfig, set *calibration.Set) (frame.Decoder, error) {
	switch cfg.Format {
	case "json":
		return frame.JSONDecoder{Keys: set.Keys()}, nil
	case "script":
		d, err := frame.LoadScriptDecoder(cfg.Script.Code, cfg.Script.Path, cfg.Script.Timeout)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return frame.CSVDecoder{Separator: cfg.Separator}, nil
	}
}

func newTransport(cfg config.BrokerConfig) (publisher.Transport, error) {
	switch cfg.Type {
	case "nats":
		c, err := natsbus.NewClient(natsbus.Options{
			URL:      cfg.URL,
			Name:     cfg.ClientID,
			Username: cfg.Username,
			Password: cfg.Password,
			Token:    cfg.Token,
			Timeout:  cfg.ConnectTimeout,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		c, err := mqtt.NewClient(mqtt.Options{
			Broker:         cfg.URL,
			ClientID:       cfg.ClientID,
			Username:       cfg.Username,
			Password:       cfg.Password,
			QoS:            byte(cfg.QoS),
			Retain:         cfg.Retain,
			KeepAlive:      cfg.KeepAlive,
			ConnectTimeout: cfg.ConnectTimeout,
			WillTopic:      cfg.HeartbeatTopic,
			WillPayload:    `{"serial":"disconnected","broker":"disconnected"}`,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// openBackends opens the CSV log and, when enabled, the SQL mirror. An
// unreachable mirror is logged and skipped.
func (p *Pipeline) openBackends() ([]storage.Backend, error) {
	csvStore, err := storage.NewCSVStore(p.cfg.Storage.CSV.Path, p.set.Names(), p.cfg.Storage.CSV.Fsync)
	if err != nil {
		return nil, fmt.Errorf("open durable log: %w", err)
	}
	backends := []storage.Backend{csvStore}

	db := p.cfg.Storage.Database
	if db.Enabled {
		mirror, err := storage.NewSQLStore(db.Type, db.DSN, db.Table, p.session)
		if err != nil {
			logger.Error("SQL mirror disabled: %v", err)
		} else {
			backends = append(backends, mirror)
		}
	}
	return backends, nil
}

// Session returns the id stamped on heartbeats and mirrored rows
func (p *Pipeline) Session() string {
	return p.session
}

// Supervisor returns the link supervisor
func (p *Pipeline) Supervisor() *link.Supervisor {
	return p.sup
}

// Counters implements link.CounterSource
func (p *Pipeline) Counters() link.Counters {
	st := p.store.Stats()
	return link.Counters{
		Processed:      p.processed.Load(),
		Malformed:      p.malformed.Load(),
		Published:      p.pub.Published(),
		PublishDropped: p.pub.Dropped(),
		LogWritten:     st.Written,
		LogFailed:      st.Failed,
		QueueDropped:   p.queueDropped.Load(),
	}
}

// Run opens the serial device and processes frames until ctx is cancelled
// or a replayed capture ends. Only a failed initial open is returned as an
// error; later link failures are retried.
func (p *Pipeline) Run(ctx context.Context) error {
	port, err := p.sup.OpenSerial(ctx, p.open)
	if err != nil {
		return errors.Join(err, p.close(true))
	}
	logger.Info("Pipeline started, session %s, %d channels", p.session, p.set.Len())

	// broker, heartbeats and metrics outlive intake until the queues drain
	bgCtx, stopBackground := context.WithCancel(context.WithoutCancel(ctx))
	defer stopBackground()

	var background errgroup.Group
	background.Go(func() error {
		return p.sup.RunBroker(bgCtx, p.transport)
	})
	background.Go(func() error {
		ticks := p.ticks
		if ticks == nil {
			ticker := time.NewTicker(p.cfg.Heartbeat.Interval)
			defer ticker.Stop()
			ticks = ticker.C
		}
		p.pub.RunHeartbeats(bgCtx, ticks, p.sup)
		return nil
	})
	if p.metrics != nil {
		background.Go(func() error {
			if err := p.metrics.Run(bgCtx); err != nil {
				logger.Error("Metrics server stopped: %v", err)
			}
			return nil
		})
	}

	drainCtx, stopDrain := context.WithCancel(context.WithoutCancel(ctx))
	defer stopDrain()

	var workers errgroup.Group
	workers.Go(func() error {
		p.runLogger(drainCtx)
		return nil
	})
	workers.Go(func() error {
		p.pub.Run(p.pubQueue)
		return nil
	})

	intakeErr := p.sup.RunSerial(ctx, port, p.open, p.readFrames)

	close(p.logQueue)
	close(p.pubQueue)
	drained := p.drain(&workers, stopDrain)

	stopBackground()
	bgErr := background.Wait()
	return errors.Join(intakeErr, bgErr, p.close(drained))
}

// drain waits for both workers until the shutdown timeout. After that the
// remaining samples are abandoned and a worker stuck in a backend call is
// left behind. It reports whether both workers finished.
func (p *Pipeline) drain(workers *errgroup.Group, stop context.CancelFunc) bool {
	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()

	timer := time.NewTimer(p.cfg.Pipeline.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		logger.Warn("Queues not drained within %v, abandoning %d samples for the log and %d for the broker",
			p.cfg.Pipeline.ShutdownTimeout, len(p.logQueue), len(p.pubQueue))
		stop()
		return false
	}
}

// close releases the transport, then the store. When the workers were
// abandoned a backend may still be busy, so the store gets at most another
// shutdown timeout to close.
func (p *Pipeline) close(drained bool) error {
	var errs []error
	if err := p.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close %s transport: %w", p.transport.Name(), err))
	}

	if drained {
		if err := p.store.Close(); err != nil {
			errs = append(errs, err)
		}
	} else {
		closed := make(chan error, 1)
		go func() { closed <- p.store.Close() }()

		timer := time.NewTimer(p.cfg.Pipeline.ShutdownTimeout)
		select {
		case err := <-closed:
			if err != nil {
				errs = append(errs, err)
			}
		case <-timer.C:
			logger.Error("Durable store still busy after %v, leaving it open", p.cfg.Pipeline.ShutdownTimeout)
		}
		timer.Stop()
	}

	c := p.Counters()
	logger.Info("Pipeline stopped: processed=%d malformed=%d published=%d dropped=%d logged=%d log_failed=%d queue_dropped=%d",
		c.Processed, c.Malformed, c.Published, c.PublishDropped, c.LogWritten, c.LogFailed, c.QueueDropped)
	return errors.Join(errs...)
}

// runLogger appends queued samples until the queue is closed and empty, or
// ctx is cancelled by the shutdown timeout
func (p *Pipeline) runLogger(ctx context.Context) {
	for s := range p.logQueue {
		if ctx.Err() != nil {
			return
		}
		if err := p.store.Append(ctx, s); err != nil {
			logger.Debug("Sample %d not fully logged: %v", s.Seq, err)
		}
	}
}

// readFrames is the serial session: it reads until the port fails, the
// malformed threshold is reached or ctx is cancelled
func (p *Pipeline) readFrames(ctx context.Context, port io.ReadCloser) error {
	// unblocks the pending Read on shutdown
	stop := context.AfterFunc(ctx, func() { port.Close() })
	defer stop()

	reader := frame.NewReader(port, p.cfg.Delimiter(), p.cfg.Serial.MaxFrameBytes)
	for {
		data, err := reader.Next()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil && !errors.Is(err, frame.ErrMalformedFrame) {
			if errors.Is(err, io.EOF) {
				if p.replay {
					logger.Info("Replay finished after %d frames", p.seq)
					return nil
				}
				err = io.ErrUnexpectedEOF
			}
			return &link.ConnectionError{Link: link.SerialLink, Op: "read", Err: err}
		}

		p.seq++
		if err == nil {
			err = p.process(data, p.seq, time.Now())
		}
		if err != nil {
			p.malformed.Add(1)
			logger.Warn("Discarding frame: %v", err)
			if escalated := p.sup.FrameMalformed(); escalated != nil {
				return escalated
			}
			continue
		}
		p.sup.FrameGood()
	}
}

// process turns one frame into a sample and fans it out
func (p *Pipeline) process(data []byte, seq uint64, received time.Time) error {
	raw, err := p.parser.Parse(data, seq, received)
	if err != nil {
		return err
	}
	sample, err := p.engine.Calibrate(raw)
	if err != nil {
		return err
	}
	p.processed.Add(1)

	p.enqueue(p.logQueue, sample.Clone(), "log")
	p.enqueue(p.pubQueue, sample, "publish")
	return nil
}

func (p *Pipeline) enqueue(queue chan<- calibration.Sample, s calibration.Sample, path string) {
	select {
	case queue <- s:
	default:
		p.queueDropped.Add(1)
		logger.Warn("The %s queue is full, dropping sample %d", path, s.Seq)
	}
}
