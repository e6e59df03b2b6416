package session

import (
	"errors"
	"strings"

	"github.com/assistkit/groundstation/internal/metrics"
	"github.com/assistkit/groundstation/pkg/bus"
	"github.com/assistkit/groundstation/pkg/bus/messages"
	"github.com/assistkit/groundstation/pkg/correlate"
)

// runCommand executes a complete command off the Run goroutine: transcribe
// the captured audio, publish the request, await the correlated reply, and
// synthesize it for playback. Staleness is judged by the caller against
// commandID.
func (s *Session) runCommand(pcm []byte, commandID uint64) pipelineResult {
	res := pipelineResult{commandID: commandID}
	ctx := s.ctx

	text, err := s.transcriber.Transcribe(ctx, pcm)
	if err != nil {
		res.outcome = metrics.OutcomeSpeechError
		res.err = err
		return res
	}
	if s.commandID.Load() != commandID {
		res.outcome = metrics.OutcomeCancelled
		return res
	}
	text = strings.TrimSpace(text)
	if text == "" {
		// Nothing intelligible was said; drop the command without feedback.
		res.outcome = metrics.OutcomeEmpty
		return res
	}
	s.logger.Info().Str("transcript", text).Msg("command transcribed")

	req := messages.NewClientRequest(text, s.room, s.cfg.OutputTopicFor(s.room))
	payload, err := req.Encode()
	if err != nil {
		res.outcome = metrics.OutcomeBusUnavailable
		res.err = err
		return res
	}

	// Register before publishing so a fast reply cannot beat the waiter.
	handle := s.correlator.Register(req.ID, s.id, s.cfg.CommandTimeout)
	if err := s.publisher.Publish(ctx, s.cfg.RequestTopic, payload); err != nil {
		handle.Cancel()
		res.outcome = metrics.OutcomeBusUnavailable
		res.err = err
		return res
	}

	resp, err := handle.Await(ctx)
	if err != nil {
		switch {
		case errors.Is(err, correlate.ErrTimeout):
			res.outcome = metrics.OutcomeTimeout
		case errors.Is(err, correlate.ErrBusLost), errors.Is(err, bus.ErrUnavailable):
			res.outcome = metrics.OutcomeBusUnavailable
		default:
			res.outcome = metrics.OutcomeCancelled
		}
		res.err = err
		return res
	}

	if s.commandID.Load() != commandID {
		res.outcome = metrics.OutcomeCancelled
		return res
	}

	audio, err := s.synthesizer.Synthesize(ctx, resp.Text, s.clientCfg.SampleRate)
	if err != nil {
		res.outcome = metrics.OutcomeSpeechError
		res.err = err
		return res
	}

	res.audio = audio
	res.alert = resp.Alert != nil && resp.Alert.PlayBefore
	res.outcome = metrics.OutcomeCompleted
	return res
}
