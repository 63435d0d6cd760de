package es

import (
	"log/slog"
	"time"
)

type (
	repoOpts struct {
		log              *slog.Logger
		metrics          ESMetrics
		publisher        Publisher
		onPublishFailure PublishFailureFunc
		idGenerator      IDGenerator
		now              func() time.Time
	}

	RepositoryOption interface{ applyToRepository(*repoOpts) }
)

func (o LogOption) applyToRepository(r *repoOpts)            { r.log = o.v }
func (o ESMetricsOption) applyToRepository(r *repoOpts)      { r.metrics = o.v }
func (o PublisherOption) applyToRepository(r *repoOpts)      { r.publisher = o.v }
func (o PublishFailureOption) applyToRepository(r *repoOpts) { r.onPublishFailure = o.v }
func (o IDGeneratorOption) applyToRepository(r *repoOpts)    { r.idGenerator = o.v }
func (o ClockOption) applyToRepository(r *repoOpts)          { r.now = o.v }

func newRepoOpts(opts ...RepositoryOption) repoOpts {
	options := repoOpts{
		log:         slog.Default(),
		metrics:     NopESMetrics(),
		idGenerator: DefaultIDGenerator(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt.applyToRepository(&options)
	}
	if options.log == nil {
		options.log = slog.Default()
	}
	if options.metrics == nil {
		options.metrics = NopESMetrics()
	}
	return options
}
