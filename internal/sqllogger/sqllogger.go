package sqllogger

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/armadaproject/sqllogger/internal/common"
	"github.com/armadaproject/sqllogger/internal/common/util"
	"github.com/armadaproject/sqllogger/internal/sqllogger/bus"
	"github.com/armadaproject/sqllogger/internal/sqllogger/configuration"
	"github.com/armadaproject/sqllogger/internal/sqllogger/dialect"
	"github.com/armadaproject/sqllogger/internal/sqllogger/metrics"
	"github.com/armadaproject/sqllogger/internal/sqllogger/pipeline"
	"github.com/armadaproject/sqllogger/internal/sqllogger/queue"
	"github.com/armadaproject/sqllogger/internal/sqllogger/schema"
)

// Run connects to the bus and runs every configured pipeline until ctx is cancelled.
func Run(ctx context.Context, config *configuration.SqlLoggerConfiguration) error {
	subscriber, err := bus.ConnectNats(config.Bus)
	if err != nil {
		return err
	}
	defer util.CloseResource("bus connection", subscriber)
	return RunWith(ctx, config, subscriber)
}

// instance is a running pipeline together with the resources it owns.
type instance struct {
	cfg          *configuration.PipelineConfig
	pipeline     *pipeline.Pipeline
	queue        queue.Queue
	subscriberID string
}

// RunWith runs the pipelines with messages delivered by subscriber. A pipeline that cannot start stops the ones
// already started and fails the whole run.
func RunWith(ctx context.Context, config *configuration.SqlLoggerConfiguration, subscriber bus.Subscriber) error {
	collector := metrics.NewCollector()
	var instances []*instance
	defer func() {
		for _, in := range instances {
			closeQueue(in)
		}
	}()

	for i := range config.Pipelines {
		cfg := &config.Pipelines[i]
		in, err := start(ctx, cfg)
		if err != nil {
			stopAll(instances)
			return err
		}
		instances = append(instances, in)
		collector.Register(cfg.Name, in.pipeline.Metrics())
	}

	if config.Metrics.Port != 0 {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collector)
		shutdownMetrics := common.ServeMetricsFor(config.Metrics.Port, prometheus.Gatherers{registry, prometheus.DefaultGatherer})
		defer shutdownMetrics()
	}

	for _, in := range instances {
		if err := subscribe(subscriber, in); err != nil {
			unsubscribeAll(subscriber, instances)
			stopAll(instances)
			return err
		}
	}
	log.Infof("Running %d pipelines", len(instances))

	<-ctx.Done()
	log.Info("Shutting down")
	unsubscribeAll(subscriber, instances)
	return stopAll(instances)
}

func start(ctx context.Context, cfg *configuration.PipelineConfig) (*instance, error) {
	s, err := loadSchema(cfg)
	if err != nil {
		return nil, err
	}
	tables, err := tableResolver(cfg)
	if err != nil {
		return nil, err
	}
	writer, err := dialect.New(cfg, s)
	if err != nil {
		return nil, errors.WithMessagef(err, "pipeline %s", cfg.Name)
	}
	q, err := queue.New(cfg.Queue, cfg.Name)
	if err != nil {
		return nil, errors.WithMessagef(err, "pipeline %s", cfg.Name)
	}

	p := pipeline.New(cfg, q, schema.NewExtractor(s, tables, clock.RealClock{}), writer, metrics.New(q))
	if err := p.Start(ctx); err != nil {
		util.CloseResource("queue for pipeline "+cfg.Name, q)
		return nil, err
	}
	return &instance{cfg: cfg, pipeline: p, queue: q, subscriberID: cfg.Name + "-" + uuid.NewString()}, nil
}

func subscribe(subscriber bus.Subscriber, in *instance) error {
	p := in.pipeline
	onMessage := func(msg *bus.Message) {
		if err := p.Add(msg.Topic, msg.Payload); err != nil && !errors.Is(err, queue.ErrQueueFull) {
			log.WithError(err).Errorf("Pipeline %s could not queue a message from %s", p.Name(), msg.Topic)
		}
	}
	for _, filter := range in.cfg.TopicFilters {
		if err := subscriber.Subscribe(in.subscriberID, filter, 1, onMessage); err != nil {
			return errors.WithMessagef(err, "pipeline %s", in.cfg.Name)
		}
	}
	return nil
}

func unsubscribeAll(subscriber bus.Subscriber, instances []*instance) {
	for _, in := range instances {
		for _, filter := range in.cfg.TopicFilters {
			if err := subscriber.Unsubscribe(in.subscriberID, filter); err != nil {
				log.WithError(err).Warnf("Pipeline %s could not unsubscribe from %s", in.cfg.Name, filter)
			}
		}
	}
}

// stopAll stops the pipelines concurrently, each within its own shutdown timeout.
func stopAll(instances []*instance) error {
	var g errgroup.Group
	for _, in := range instances {
		in := in
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), in.cfg.ShutdownTimeout)
			defer cancel()
			return errors.WithMessagef(in.pipeline.Stop(ctx), "stopping pipeline %s", in.cfg.Name)
		})
	}
	return g.Wait()
}

// closeQueue closes the queue of a stopped pipeline. A loop that outlived its shutdown timeout may still poll its
// queue, so that queue is closed once the loop exits.
func closeQueue(in *instance) {
	name := "queue for pipeline " + in.cfg.Name
	select {
	case <-in.pipeline.Done():
		util.CloseResource(name, in.queue)
	default:
		log.Warnf("Pipeline %s is still running, its queue is closed when it stops", in.cfg.Name)
		go func() {
			<-in.pipeline.Done()
			util.CloseResource(name, in.queue)
		}()
	}
}

func loadSchema(cfg *configuration.PipelineConfig) (*schema.Schema, error) {
	doc, err := cfg.SchemaDocument()
	if err != nil {
		return nil, err
	}
	s, err := schema.Parse(doc)
	if err != nil {
		return nil, errors.WithMessagef(err, "invalid schema for pipeline %s", cfg.Name)
	}
	return s, nil
}

func tableResolver(cfg *configuration.PipelineConfig) (*schema.TableResolver, error) {
	var r *schema.TableResolver
	var err error
	if cfg.HasFixedTable() {
		r, err = schema.NewFixedTable(cfg.TableName)
	} else {
		r, err = schema.NewTableFromPath(cfg.TableNameJsonPath)
	}
	return r, errors.WithMessagef(err, "pipeline %s", cfg.Name)
}

// CreateTableStatements checks the schema, table and database settings of every pipeline and returns the DDL that
// creates the fixed table of each, keyed by pipeline name. Pipelines whose table is derived from the payload are left
// out of the result.
func CreateTableStatements(config *configuration.SqlLoggerConfiguration) (map[string]string, error) {
	statements := map[string]string{}
	for i := range config.Pipelines {
		cfg := &config.Pipelines[i]
		s, err := loadSchema(cfg)
		if err != nil {
			return nil, err
		}
		if _, err := tableResolver(cfg); err != nil {
			return nil, err
		}
		writer, err := dialect.New(cfg, s)
		if err != nil {
			return nil, errors.WithMessagef(err, "pipeline %s", cfg.Name)
		}
		if cfg.HasFixedTable() {
			statements[cfg.Name] = writer.CreateTableStatement(cfg.TableName)
		}
	}
	return statements, nil
}
