// Package speech bridges the hub to the external transcription and
// synthesis HTTP services.
package speech

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const userTokenHeader = "user-token"

type Config struct {
	TranscriptionURL   string
	SynthesisURL       string
	TranscriptionToken string
	SynthesisToken     string
	CallTimeout        time.Duration
}

// Bridge performs the STT and TTS calls for the command pipeline. It holds
// no per-session state and is shared by all sessions.
type Bridge struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger
}

func NewBridge(cfg Config, logger zerolog.Logger) *Bridge {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &Bridge{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.CallTimeout},
		logger: logger,
	}
}

type transcriptionResponse struct {
	Text    string `json:"text"`
	Message string `json:"message"`
}

// Transcribe uploads a complete command utterance and returns its transcript.
// pcm is signed 16-bit little-endian mono; it is converted to normalized
// 32-bit floats before upload, which is what the transcription service
// consumes.
func (b *Bridge) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "audio.raw")
	if err != nil {
		return "", &Error{Kind: KindBackend, Op: "transcribe", Err: err}
	}
	if _, err := part.Write(pcmToFloat32(pcm)); err != nil {
		return "", &Error{Kind: KindBackend, Op: "transcribe", Err: err}
	}
	if err := mw.Close(); err != nil {
		return "", &Error{Kind: KindBackend, Op: "transcribe", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.TranscriptionURL, &body)
	if err != nil {
		return "", &Error{Kind: KindBackend, Op: "transcribe", Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(userTokenHeader, b.cfg.TranscriptionToken)

	resp, err := b.client.Do(req)
	if err != nil {
		return "", &Error{Kind: KindUnreachable, Op: "transcribe", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", statusError("transcribe", resp)
	}

	var tr transcriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", &Error{Kind: KindBackend, Op: "transcribe", Err: fmt.Errorf("decoding response: %w", err)}
	}
	b.logger.Debug().Str("transcript", tr.Text).Msg("transcription complete")
	return tr.Text, nil
}

type synthesisRequest struct {
	Text       string `json:"text"`
	SampleRate int    `json:"sample_rate"`
}

// Synthesize renders text to signed 16-bit little-endian PCM at sampleRate.
func (b *Bridge) Synthesize(ctx context.Context, text string, sampleRate int) ([]byte, error) {
	payload, err := json.Marshal(synthesisRequest{Text: text, SampleRate: sampleRate})
	if err != nil {
		return nil, &Error{Kind: KindBackend, Op: "synthesize", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.SynthesisURL, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Kind: KindBackend, Op: "synthesize", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(userTokenHeader, b.cfg.SynthesisToken)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindUnreachable, Op: "synthesize", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("synthesize", resp)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindBackend, Op: "synthesize", Err: err}
	}
	// Anything shorter than one 16-bit sample is not audio.
	if len(audio) < 2 {
		return nil, &Error{Kind: KindBackend, Op: "synthesize", Err: fmt.Errorf("response body too short (%d bytes)", len(audio))}
	}
	return audio, nil
}

func statusError(op string, resp *http.Response) *Error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	err := fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &Error{Kind: KindAuthRejected, Op: op, Err: err}
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return &Error{Kind: KindMalformedAudio, Op: op, Err: err}
	default:
		return &Error{Kind: KindBackend, Op: op, Err: err}
	}
}

// pcmToFloat32 converts s16le samples to little-endian float32 samples
// normalized to [-1, 1).
func pcmToFloat32(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*4)
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		f := float32(s) / 32768.0
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}
