package cncqueue

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"

	configpkg "github.com/atsora/cncqueue/internal/runtime/config"
	errspkg "github.com/atsora/cncqueue/internal/runtime/errors"
	idspkg "github.com/atsora/cncqueue/internal/runtime/ids"
	jsoncodec "github.com/atsora/cncqueue/internal/runtime/jsoncodec"
	loggingpkg "github.com/atsora/cncqueue/internal/runtime/logging"
	"github.com/atsora/cncqueue/internal/runtime/valuecodec"

	"github.com/atsora/cncqueue/exchange"
	"github.com/atsora/cncqueue/queue"
	"github.com/atsora/cncqueue/remotefile"

	// Registered backends.
	_ "github.com/atsora/cncqueue/queue/file"
	_ "github.com/atsora/cncqueue/queue/memory"
	_ "github.com/atsora/cncqueue/queue/multi"
	_ "github.com/atsora/cncqueue/queue/postgres"
	_ "github.com/atsora/cncqueue/queue/sqlite"
)

type (
	Config                = configpkg.Config
	ConfigValidationError = errspkg.ConfigValidationError

	Record        = exchange.Record
	Command       = exchange.Command
	RecordBuilder = exchange.Builder
	Envelope      = exchange.Envelope

	ValueCodec  = valuecodec.Codec
	BinaryCodec = valuecodec.BinaryCodec

	Queue           = queue.Backend
	Identity        = queue.Identity
	Settings        = queue.Settings
	MapSettings     = queue.MapSettings
	Node            = queue.Node
	Loader          = queue.Loader
	ConfigSource    = queue.Source
	FileGetter      = queue.FileGetter
	Factory         = queue.Factory
	FactoryOption   = queue.FactoryOption
	Registry        = queue.Registry
	BackendBuilder  = queue.Builder
	Capabilities    = queue.Capabilities
	Metrics         = queue.Metrics
	SubQueueBuilder = queue.SubQueueBuilder

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger
)

const (
	MachineMode           = exchange.MachineMode
	MachineModuleActivity = exchange.MachineModuleActivity
	CncValue              = exchange.CncValue
	StopCncValue          = exchange.StopCncValue
	Action                = exchange.Action
	Stamp                 = exchange.Stamp
	CncAlarm              = exchange.CncAlarm
	CncVariableSet        = exchange.CncVariableSet
	DetectionTimeStamp    = exchange.DetectionTimeStamp
	SequenceMilestone     = exchange.SequenceMilestone

	BinaryCBOR = valuecodec.BinaryCBOR
	BinaryGob  = valuecodec.BinaryGob

	DefaultBackendType = queue.DefaultBackendType
)

var (
	NewRecord        = exchange.New
	NewRecordBuilder = exchange.NewBuilder
	NewValueCodec    = exchange.NewCodec
	ParseCommand     = exchange.ParseCommand
	MarshalRecord    = exchange.MarshalRecord
	UnmarshalRecord  = exchange.UnmarshalRecord

	NewFactory          = queue.NewFactory
	NewRegistry         = queue.NewRegistry
	NewAdapter          = queue.NewAdapter[queue.Backend]
	NewMetrics          = queue.NewMetrics
	WithRegistry        = queue.WithRegistry
	WithFallbackType    = queue.WithFallbackType
	WithCodec           = queue.WithCodec
	WithInstrumentation = queue.WithInstrumentation
	ParseNode           = queue.ParseNode
	ParseNodeFile       = queue.ParseNodeFile
	PeekOne             = queue.PeekOne
	UnsafeDequeueOne    = queue.UnsafeDequeueOne
	RegisterBackend     = queue.RegisterWithCapabilities

	ValidateConfig = configpkg.ValidateConfig
	LoadConfig     = configpkg.LoadFile

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal

	ErrQueueEmpty           = errspkg.ErrQueueEmpty
	ErrQueueClosed          = errspkg.ErrQueueClosed
	ErrBackendUnavailable   = errspkg.ErrBackendUnavailable
	ErrIdentityBound        = errspkg.ErrIdentityBound
	ErrUnknownConfigGroup   = errspkg.ErrUnknownConfigGroup
	ErrInvalidConfiguration = errspkg.ErrInvalidConfiguration
	ErrInvalidCount         = errspkg.ErrInvalidCount
	ErrUnknownCommand       = errspkg.ErrUnknownCommand
	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrLoggerRequired       = errspkg.ErrLoggerRequired
	ErrRemoteFileNotFound   = errspkg.ErrRemoteFileNotFound

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewWatermillAdapter       = loggingpkg.NewWatermillAdapter

	NewRecordID = idspkg.NewRecordID
)

// RegisterValueType makes T decodable by codec under its Go type name.
func RegisterValueType[T any](codec *ValueCodec) {
	valuecodec.RegisterType[T](codec.Types())
}

// NewQueueFactory creates a factory from cfg. The value codec honours
// cfg.ValueBinaryCodec and is shared with every queue the factory creates;
// pass WithCodec to supply one with application types registered.
func NewQueueFactory(cfg *Config, logger watermill.LoggerAdapter, opts ...FactoryOption) (*Factory, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, ErrLoggerRequired
	}

	binary, err := valuecodec.ParseBinaryCodec(cfg.ValueBinaryCodec)
	if err != nil {
		return nil, err
	}
	base := []FactoryOption{
		queue.WithCodec(exchange.NewCodec(logger, valuecodec.WithBinaryCodec(binary))),
	}
	if cfg.DefaultQueueType != "" {
		base = append(base, queue.WithFallbackType(cfg.DefaultQueueType))
	}
	if cfg.MetricsEnabled || cfg.TracingEnabled {
		var metrics *Metrics
		if cfg.MetricsEnabled {
			metrics = queue.NewMetrics(prometheus.DefaultRegisterer)
		}
		tracer := otel.Tracer(queue.TracerName)
		if !cfg.TracingEnabled {
			tracer = noop.NewTracerProvider().Tracer(queue.TracerName)
		}
		base = append(base, queue.WithInstrumentation(metrics, tracer))
	}
	return queue.NewFactory(logger, append(base, opts...)...), nil
}

// NewLoader creates the configuration loader described by cfg. Remote files
// are named after the queue name of the identity, with an .xml extension.
func NewLoader(ctx context.Context, cfg *Config, logger watermill.LoggerAdapter) (*Loader, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	l := &Loader{
		Payload:         []byte(cfg.ConfigPayload),
		CacheDirectory:  cfg.CacheDirectory,
		ForceSync:       cfg.ForceSync,
		CreateIfMissing: cfg.CreateConfigIfMissing,
		SyncTimeout:     cfg.RemoteSyncTimeout,
		Directory:       cfg.ConfigDirectory,
		Logger:          logger,
	}
	if cfg.RemoteDirectory == "" {
		return l, nil
	}

	remoteDirectory := cfg.RemoteDirectory
	if cfg.UsesS3() {
		getter, err := remotefile.NewS3(ctx, cfg.RemoteS3Region, cfg.RemoteS3Endpoint)
		if err != nil {
			return nil, fmt.Errorf("remote configuration: %w", err)
		}
		l.Remote = getter
	} else {
		l.Remote = remotefile.Directory{}
	}
	l.RemotePath = func(machineID, machineModuleID int) (string, string, bool) {
		name := Identity{MachineID: machineID, MachineModuleID: machineModuleID}.QueueName()
		return remoteDirectory, name + ".xml", true
	}
	return l, nil
}

// OpenQueue resolves the configuration of one identity and returns its
// opened queue.
func OpenQueue(ctx context.Context, cfg *Config, logger watermill.LoggerAdapter, machineID, machineModuleID int, opts ...FactoryOption) (Queue, error) {
	factory, err := NewQueueFactory(cfg, logger, opts...)
	if err != nil {
		return nil, err
	}
	loader, err := NewLoader(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return factory.Open(ctx, loader, machineID, machineModuleID, cfg.DefaultSettings())
}
