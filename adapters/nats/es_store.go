package nats

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strconv"
	"strings"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/esbus/core/es"
	"github.com/codewandler/esbus/core/pool"
	"github.com/codewandler/esbus/internal/codec"
)

const (
	DefaultStreamName    = "ES_EVENTS"
	DefaultSubjectPrefix = "esbus.es"

	hdrStreamVersion = "Esbus-Stream-Version"

	// A commit holds every event of one Append in a single JetStream
	// message. The global sequence of an event is the message sequence
	// shifted left by commitShift plus the event's index in the commit.
	commitShift = 16
	// MaxCommitEvents is the largest number of events one Append accepts.
	MaxCommitEvents = 1 << commitShift

	fetchBatch   = 256
	fetchMaxWait = 2 * time.Second
)

func commitSeq(msgSeq uint64, i int) uint64 { return msgSeq<<commitShift | uint64(i) }

func commitMsgSeq(seq uint64) uint64 { return seq >> commitShift }

type EventStoreConfig struct {
	Log  *slog.Logger
	Pool *pool.Pool[*Conn]
	// URL selects the pooled connection.
	URL           string
	StreamName    string
	SubjectPrefix string
	Replicas      int
}

// EventStore keeps every stream on its own subject of one JetStream stream.
//
// Each Append is published as one message with an expected last sequence for
// the stream's subject, so the version check and the write are a single
// atomic step on the server and a conflicting append writes nothing.
type EventStore struct {
	log        *slog.Logger
	pool       *pool.Pool[*Conn]
	url        string
	streamName string
	prefix     string
}

// NewEventStore creates or updates the JetStream stream and returns the store.
func NewEventStore(ctx context.Context, cfg EventStoreConfig) (*EventStore, error) {
	if cfg.Pool == nil || cfg.URL == "" {
		return nil, fmt.Errorf("%w: nats event store needs a pool and url", es.ErrInvalidArgument)
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	streamName := cfg.StreamName
	if streamName == "" {
		streamName = DefaultStreamName
	}
	prefix := strings.TrimSuffix(cfg.SubjectPrefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}

	s := &EventStore{
		log: log.With(
			slog.String("store", "nats_js"),
			slog.String("stream", streamName),
			slog.String("subject_prefix", prefix),
		),
		pool:       cfg.Pool,
		url:        cfg.URL,
		streamName: streamName,
		prefix:     prefix,
	}

	err := cfg.Pool.Do(ctx, cfg.URL, func(c *Conn) error {
		stream, err := c.JS.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:       streamName,
			Subjects:   []string{prefix + ".>"},
			Retention:  jetstream.LimitsPolicy,
			Storage:    jetstream.FileStorage,
			Discard:    jetstream.DiscardNew,
			DenyDelete: true,
			DenyPurge:  true,
			Replicas:   max(cfg.Replicas, 1),
		})
		if err != nil {
			return err
		}
		info, err := stream.Info(ctx)
		if err != nil {
			return err
		}
		s.log.Debug("ensured stream", slog.Uint64("messages", info.State.Msgs))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", streamName, err)
	}
	return s, nil
}

func (s *EventStore) subject(streamID string) string { return s.prefix + "." + streamID }

// checkStreamID rejects ids that are not a valid subject suffix.
func checkStreamID(streamID string) error {
	if streamID == "" {
		return fmt.Errorf("%w: stream id is empty", es.ErrInvalidArgument)
	}
	if strings.ContainsAny(streamID, " \t\r\n*>") ||
		strings.HasPrefix(streamID, ".") || strings.HasSuffix(streamID, ".") ||
		strings.Contains(streamID, "..") {
		return fmt.Errorf("%w: stream id %q is not usable as a subject", es.ErrInvalidArgument, streamID)
	}
	return nil
}

// streamHead describes the last commit of a stream subject.
type streamHead struct {
	version es.Version
	seq     uint64
	// commitID is the id of the first event of the commit.
	commitID string
}

// head returns the last commit of subj. An empty subject has a zero head.
func head(ctx context.Context, stream jetstream.Stream, subj string) (streamHead, error) {
	last, err := stream.GetLastMsgForSubject(ctx, subj)
	if errors.Is(err, jetstream.ErrMsgNotFound) {
		return streamHead{}, nil
	} else if err != nil {
		return streamHead{}, fmt.Errorf("last message of %s: %w", subj, err)
	}
	v, err := strconv.ParseUint(last.Header.Get(hdrStreamVersion), 10, 64)
	if err != nil {
		return streamHead{}, fmt.Errorf("bad %s header on %s seq %d: %w", hdrStreamVersion, subj, last.Sequence, err)
	}
	return streamHead{
		version:  es.Version(v),
		seq:      last.Sequence,
		commitID: last.Header.Get(natsgo.MsgIdHdr),
	}, nil
}

func (s *EventStore) Append(
	ctx context.Context,
	streamID string,
	expected es.Version,
	events []es.Envelope,
) (res *es.StoreAppendResult, err error) {
	if err := checkStreamID(streamID); err != nil {
		return nil, err
	}
	envs, err := es.PrepareAppend(streamID, expected, events)
	if err != nil {
		return nil, err
	}
	if len(envs) > MaxCommitEvents {
		return nil, fmt.Errorf("%w: %d events exceed the commit limit of %d", es.ErrInvalidArgument, len(envs), MaxCommitEvents)
	}

	data, err := codec.Default.Marshal(envs)
	if err != nil {
		return nil, fmt.Errorf("encode commit: %w", err)
	}
	var (
		subj = s.subject(streamID)
		last = envs[len(envs)-1].Version
	)

	err = s.pool.Do(ctx, s.url, func(c *Conn) error {
		stream, err := c.JS.Stream(ctx, s.streamName)
		if err != nil {
			return err
		}
		h, err := head(ctx, stream, subj)
		if err != nil {
			return err
		}
		// A retry after a dropped connection finds its own commit on top.
		if h.commitID == envs[0].ID && h.version == last {
			for i := range envs {
				envs[i].Seq = commitSeq(h.seq, i)
			}
			return nil
		}
		if h.version != expected {
			return fmt.Errorf(
				"%w: stream %s expected version %d, got %d",
				es.ErrConcurrencyConflict, streamID, expected, h.version,
			)
		}

		msg := natsgo.NewMsg(subj)
		msg.Header.Set(hdrStreamVersion, strconv.FormatUint(uint64(last), 10))
		msg.Data = data

		ack, err := c.JS.PublishMsg(ctx, msg,
			jetstream.WithMsgID(envs[0].ID),
			jetstream.WithExpectStream(s.streamName),
			jetstream.WithExpectLastSequencePerSubject(h.seq),
		)
		if isWrongLastSequence(err) {
			return fmt.Errorf("%w: stream %s moved past version %d", es.ErrConcurrencyConflict, streamID, expected)
		} else if err != nil {
			return fmt.Errorf("publish commit to %s: %w", subj, err)
		}
		if ack.Duplicate {
			return fmt.Errorf("commit %s to %s was already stored at seq %d", envs[0].ID, subj, ack.Sequence)
		}

		for i := range envs {
			envs[i].Seq = commitSeq(ack.Sequence, i)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &es.StoreAppendResult{
		Version:   last,
		LastSeq:   envs[len(envs)-1].Seq,
		Committed: envs,
	}, nil
}

func isWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

func (s *EventStore) ReadStream(ctx context.Context, streamID string) iter.Seq2[es.Envelope, error] {
	return func(yield func(es.Envelope, error) bool) {
		if err := checkStreamID(streamID); err != nil {
			yield(es.Envelope{}, err)
			return
		}
		subj := s.subject(streamID)
		err := s.read(ctx, func(stream jetstream.Stream) (jetstream.OrderedConsumerConfig, uint64, error) {
			h, err := head(ctx, stream, subj)
			return jetstream.OrderedConsumerConfig{
				FilterSubjects: []string{subj},
				DeliverPolicy:  jetstream.DeliverAllPolicy,
			}, h.seq, err
		}, 0, yield)
		if err != nil && !errors.Is(err, errStopRead) {
			yield(es.Envelope{}, fmt.Errorf("read stream %s: %w", streamID, err))
		}
	}
}

func (s *EventStore) ReadAll(ctx context.Context, fromSeq uint64) iter.Seq2[es.Envelope, error] {
	return func(yield func(es.Envelope, error) bool) {
		err := s.read(ctx, func(stream jetstream.Stream) (jetstream.OrderedConsumerConfig, uint64, error) {
			info, err := stream.Info(ctx)
			if err != nil {
				return jetstream.OrderedConsumerConfig{}, 0, err
			}
			start := max(commitMsgSeq(fromSeq), info.State.FirstSeq, 1)
			if start > info.State.LastSeq {
				return jetstream.OrderedConsumerConfig{}, 0, nil
			}
			return jetstream.OrderedConsumerConfig{
				FilterSubjects: []string{s.prefix + ".>"},
				DeliverPolicy:  jetstream.DeliverByStartSequencePolicy,
				OptStartSeq:    start,
			}, info.State.LastSeq, nil
		}, fromSeq, yield)
		if err != nil && !errors.Is(err, errStopRead) {
			yield(es.Envelope{}, fmt.Errorf("read all from %d: %w", fromSeq, err))
		}
	}
}

var errStopRead = errors.New("read stopped")

// read consumes commits with an ordered consumer up to the message sequence
// that plan observed as the head, and yields their envelopes with
// Seq >= fromSeq. An endSeq of 0 means there is nothing to read.
func (s *EventStore) read(
	ctx context.Context,
	plan func(jetstream.Stream) (jetstream.OrderedConsumerConfig, uint64, error),
	fromSeq uint64,
	yield func(es.Envelope, error) bool,
) error {
	c, err := s.pool.Acquire(ctx, s.url)
	if err != nil {
		return err
	}
	stream, err := c.JS.Stream(ctx, s.streamName)
	if err != nil {
		return err
	}
	cfg, endSeq, err := plan(stream)
	if err != nil || endSeq == 0 {
		return err
	}

	cons, err := stream.OrderedConsumer(ctx, cfg)
	if err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := cons.Fetch(fetchBatch, jetstream.FetchMaxWait(fetchMaxWait))
		if err != nil {
			return err
		}

		received := 0
		for msg := range batch.Messages() {
			received++
			md, err := msg.Metadata()
			if err != nil {
				return err
			}
			var envs []es.Envelope
			if err := codec.Default.Unmarshal(msg.Data(), &envs); err != nil {
				return fmt.Errorf("decode commit seq %d: %w", md.Sequence.Stream, err)
			}
			for i, env := range envs {
				env.Seq = commitSeq(md.Sequence.Stream, i)
				if env.Seq < fromSeq {
					continue
				}
				if !yield(env, nil) {
					return errStopRead
				}
			}
			if md.Sequence.Stream >= endSeq {
				return nil
			}
		}
		if err := batch.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) && !errors.Is(err, natsgo.ErrTimeout) {
			return err
		}
		if received == 0 {
			// the head was removed by limits before we reached it
			s.log.Warn("read ended before head", slog.Uint64("end_seq", endSeq))
			return nil
		}
	}
}

var _ es.EventStore = (*EventStore)(nil)
