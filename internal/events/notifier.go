package events

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/snarg/subcheck/internal/metrics"
	"github.com/snarg/subcheck/internal/pipeline"
)

// TypeJob is the event type of job snapshots; the subtype is the stage.
const TypeJob = "job"

// Publisher sends a payload to a broker topic.
type Publisher interface {
	Publish(topic string, payload []byte, retained bool) error
}

// Notifier turns pipeline snapshots into bus events and broker messages.
// Snapshots that change nothing a client can see are dropped.
type Notifier struct {
	bus    *Bus
	pub    Publisher
	prefix string
	log    zerolog.Logger

	mu   sync.Mutex
	last map[string]fingerprint
}

type fingerprint struct {
	stage    pipeline.Stage
	progress int
	chunks   int // chunks in a final state
	warnings int
}

// NewNotifier builds a Notifier. pub may be nil when no broker is configured.
func NewNotifier(bus *Bus, pub Publisher, prefix string, log zerolog.Logger) *Notifier {
	return &Notifier{
		bus:    bus,
		pub:    pub,
		prefix: prefix,
		log:    log.With().Str("component", "events").Logger(),
		last:   make(map[string]fingerprint),
	}
}

// JobUpdated is the pipeline's OnUpdate hook.
func (n *Notifier) JobUpdated(s pipeline.Snapshot) {
	fp := fingerprint{stage: s.Stage, progress: s.ProgressPercent, warnings: len(s.Warnings)}
	for _, c := range s.Chunks {
		if c.State == pipeline.ChunkCompleted || c.State == pipeline.ChunkErrored {
			fp.chunks++
		}
	}

	n.mu.Lock()
	prev, seen := n.last[s.ID]
	terminal := s.Stage.Terminal()
	if terminal {
		delete(n.last, s.ID)
	} else {
		n.last[s.ID] = fp
	}
	n.mu.Unlock()
	if seen && prev == fp && !terminal {
		return
	}

	if n.bus != nil {
		n.bus.Publish(TypeJob, string(s.Stage), s.ID, s)
	}
	if n.pub != nil {
		payload, err := json.Marshal(s)
		if err != nil {
			return
		}
		if err := n.pub.Publish(JobTopic(n.prefix, s.ID), payload, terminal); err != nil {
			n.log.Warn().Err(err).Str("job_id", s.ID).Msg("mqtt publish failed")
		}
	}
}

// JobTopic is the broker topic carrying a job's snapshots.
func JobTopic(prefix, jobID string) string {
	return prefix + "/" + jobID + "/status"
}

// SubmitTopic is the broker topic that accepts job requests.
func SubmitTopic(prefix string) string {
	return prefix + "/submit"
}

// Submitter accepts job requests.
type Submitter interface {
	Submit(req pipeline.Request) (string, error)
}

type submitReply struct {
	Request pipeline.Request `json:"request"`
	JobID   string           `json:"job_id,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// SubmitHandler returns a broker message handler that submits the JSON
// request in each payload and publishes the outcome on the bus and, when
// pub is set, to prefix/submissions.
func SubmitHandler(sub Submitter, bus *Bus, pub Publisher, prefix string, log zerolog.Logger) func(topic string, payload []byte) {
	log = log.With().Str("component", "mqtt-submit").Logger()
	return func(topic string, payload []byte) {
		var reply submitReply
		if err := json.Unmarshal(payload, &reply.Request); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("invalid job request")
			reply.Error = "invalid json: " + err.Error()
		} else if id, err := sub.Submit(reply.Request); err != nil {
			log.Warn().Err(err).Str("source", reply.Request.Source).Msg("job request rejected")
			reply.Error = err.Error()
		} else {
			reply.JobID = id
			log.Info().Str("job_id", id).Str("source", reply.Request.Source).Msg("job submitted via mqtt")
		}

		kind := "accepted"
		if reply.Error != "" {
			kind = "rejected"
		}
		metrics.MQTTSubmissionsTotal.WithLabelValues(kind).Inc()
		if bus != nil {
			bus.Publish("submission", kind, reply.JobID, reply)
		}
		if pub != nil {
			data, _ := json.Marshal(reply)
			if err := pub.Publish(prefix+"/submissions", data, false); err != nil {
				log.Warn().Err(err).Msg("mqtt publish failed")
			}
		}
	}
}
