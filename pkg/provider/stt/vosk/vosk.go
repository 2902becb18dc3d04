// Package vosk provides an stt.Provider that speaks the vosk-server
// websocket protocol. Vosk is a lightweight finite-state recogniser that
// runs comfortably on CPU, making it the low-resource counterpart to the
// whisper provider.
//
// Protocol: the client sends a JSON config message, streams binary 16-bit
// PCM chunks, and finishes with {"eof": 1}. The server answers each chunk
// with either a partial hypothesis or a finalised segment and flushes the
// last segment after eof.
package vosk

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/coder/websocket"

	"github.com/pcurie/loquax/pkg/audio"
	"github.com/pcurie/loquax/pkg/provider/stt"
)

// DefaultURL is the default vosk-server websocket endpoint.
const DefaultURL = "ws://localhost:2700"

// voskSampleRate is the rate audio is resampled to before streaming.
const voskSampleRate = 16000

// chunkBytes is the binary frame size streamed to the server (0.25 s at
// 16 kHz mono PCM16).
const chunkBytes = 8000

// Compile-time assertion that Provider satisfies stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider against a running vosk-server instance.
// Each Transcribe call opens its own websocket, so the Provider itself is
// safe for concurrent use.
type Provider struct {
	url      string
	language string
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage records the language the server's model was built for. Vosk
// models are monolingual; this value is only reported in results.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// New constructs a Provider for the vosk-server at url. An empty url selects
// [DefaultURL].
func New(url string, opts ...Option) (*Provider, error) {
	if url == "" {
		url = DefaultURL
	}
	p := &Provider{url: url, language: "en"}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements stt.Provider.
func (p *Provider) Name() string { return "vosk" }

// Close implements stt.Provider. The provider holds no persistent
// connection.
func (p *Provider) Close() error { return nil }

// configMessage is the initial JSON frame declaring the stream format.
type configMessage struct {
	Config struct {
		SampleRate int  `json:"sample_rate"`
		Words      bool `json:"words"`
	} `json:"config"`
}

// serverMessage is one JSON frame from vosk-server. Partial hypotheses carry
// only Partial; finalised segments carry Text and per-word Result entries.
type serverMessage struct {
	Partial string `json:"partial"`
	Text    string `json:"text"`
	Result  []struct {
		Conf  float64 `json:"conf"`
		Word  string  `json:"word"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"result"`
}

// Transcribe implements stt.Provider. The samples are resampled to 16 kHz,
// streamed to the server in fixed-size binary frames, and the finalised
// segments are joined into one result. Confidence is the mean per-word
// confidence across all finalised segments, or 1.0 when the server reports
// no word detail.
func (p *Provider) Transcribe(ctx context.Context, samples []float32, sampleRate int) (stt.Result, error) {
	if len(samples) == 0 {
		return stt.Result{}, nil
	}

	in := audio.Resample(samples, sampleRate, voskSampleRate)
	pcm := audio.EncodePCM16(in)

	conn, _, err := websocket.Dial(ctx, p.url, nil)
	if err != nil {
		return stt.Result{}, fmt.Errorf("vosk: dial %s: %w", p.url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var cfg configMessage
	cfg.Config.SampleRate = voskSampleRate
	cfg.Config.Words = true
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return stt.Result{}, fmt.Errorf("vosk: marshal config: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, cfgJSON); err != nil {
		return stt.Result{}, fmt.Errorf("vosk: send config: %w", err)
	}

	var (
		parts     []string
		confSum   float64
		confCount int
	)
	collect := func(msg serverMessage) {
		if text := strings.TrimSpace(msg.Text); text != "" {
			parts = append(parts, text)
		}
		for _, w := range msg.Result {
			confSum += w.Conf
			confCount++
		}
	}

	for off := 0; off < len(pcm); off += chunkBytes {
		end := min(off+chunkBytes, len(pcm))
		if err := conn.Write(ctx, websocket.MessageBinary, pcm[off:end]); err != nil {
			return stt.Result{}, fmt.Errorf("vosk: send audio: %w", err)
		}
		msg, err := p.readMessage(ctx, conn)
		if err != nil {
			return stt.Result{}, fmt.Errorf("vosk: read response: %w", err)
		}
		collect(msg)
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"eof" : 1}`)); err != nil {
		return stt.Result{}, fmt.Errorf("vosk: send eof: %w", err)
	}
	msg, err := p.readMessage(ctx, conn)
	if err != nil {
		return stt.Result{}, fmt.Errorf("vosk: read final response: %w", err)
	}
	collect(msg)

	confidence := 1.0
	if confCount > 0 {
		confidence = confSum / float64(confCount)
	}

	return stt.Result{
		Text:       strings.Join(parts, " "),
		Confidence: confidence,
		Language:   p.language,
		Duration:   audio.Duration(len(samples), sampleRate),
	}, nil
}

// TranscribeFile implements stt.Provider by decoding a 16-bit PCM WAV file
// and streaming its contents.
func (p *Provider) TranscribeFile(ctx context.Context, path string) (stt.Result, error) {
	samples, rate, err := audio.ReadWAVFile(path)
	if err != nil {
		return stt.Result{}, fmt.Errorf("vosk: %w", err)
	}
	return p.Transcribe(ctx, samples, rate)
}

// readMessage reads and decodes one JSON frame from the server.
func (p *Provider) readMessage(ctx context.Context, conn *websocket.Conn) (serverMessage, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return serverMessage{}, err
	}
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return serverMessage{}, fmt.Errorf("decode %q: %w", data, err)
	}
	return msg, nil
}
