package discord

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/bwmarrin/discordgo"
	"layeh.com/gopus"

	"github.com/pcurie/loquax/internal/audio"
	pcm "github.com/pcurie/loquax/pkg/audio"
)

// Discord voice is 48 kHz stereo Opus in 20 ms frames.
const (
	voiceSampleRate = 48000
	voiceChannels   = 2
	// voiceFrameSize is the samples per channel in one 20 ms frame.
	voiceFrameSize = voiceSampleRate / 50

	// frameQueueSize bounds the handoff between the receive loop and the
	// buffering dispatcher. At 20 ms per frame this holds ~5 s of audio
	// across all speakers.
	frameQueueSize = 256
)

// voiceFrame is one decoded mono chunk tagged with its speaker.
type voiceFrame struct {
	userID  string
	samples []float32
}

// voiceSession is the receive side of one joined voice channel. The receive
// loop never blocks on transcription: frames cross to the dispatcher through
// a bounded queue and are dropped with a warning when it fills.
type voiceSession struct {
	channelID string
	guildID   string
	vc        *discordgo.VoiceConnection
	bot       *Bot

	frames chan voiceFrame

	mu       sync.Mutex
	ssrcUser map[uint32]string

	done     chan struct{}
	stopOnce sync.Once
}

// joinVoice connects to the channel and starts the receive and dispatch
// loops.
func (b *Bot) joinVoice(guildID, channelID string) (*voiceSession, error) {
	// mute=true: the bot only listens. deaf=false: we need OpusRecv.
	vc, err := b.session.ChannelVoiceJoin(guildID, channelID, true, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %s: %w", channelID, err)
	}

	v := &voiceSession{
		channelID: channelID,
		guildID:   guildID,
		vc:        vc,
		bot:       b,
		frames:    make(chan voiceFrame, frameQueueSize),
		ssrcUser:  make(map[uint32]string),
		done:      make(chan struct{}),
	}
	vc.AddHandler(v.handleSpeakingUpdate)

	go v.recvLoop()
	go v.dispatchLoop()
	return v, nil
}

// stop tears down the voice connection and both loops.
func (v *voiceSession) stop() {
	v.stopOnce.Do(func() {
		close(v.done)
		if err := v.vc.Disconnect(); err != nil {
			slog.Warn("discord: voice disconnect", "channel_id", v.channelID, "error", err)
		}
	})
}

// handleSpeakingUpdate learns the SSRC to user mapping. Discord guarantees a
// speaking update before the first audio packet of each stream.
func (v *voiceSession) handleSpeakingUpdate(_ *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
	if su.UserID == "" {
		return
	}
	v.mu.Lock()
	v.ssrcUser[uint32(su.SSRC)] = su.UserID
	v.mu.Unlock()
}

// userForSSRC resolves the speaker of a packet.
func (v *voiceSession) userForSSRC(ssrc uint32) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	userID, ok := v.ssrcUser[ssrc]
	return userID, ok
}

// recvLoop decodes incoming Opus packets per SSRC and queues mono frames for
// the dispatcher. It must never block on downstream work; the audio socket
// has no flow control.
func (v *voiceSession) recvLoop() {
	decoders := make(map[uint32]*gopus.Decoder)

	for {
		select {
		case <-v.done:
			return
		case pkt, ok := <-v.vc.OpusRecv:
			if !ok {
				return
			}
			if pkt == nil || len(pkt.Opus) == 0 {
				continue
			}

			userID, known := v.userForSSRC(pkt.SSRC)
			if !known {
				slog.Debug("discord: packet before speaking update",
					"channel_id", v.channelID, "ssrc", strconv.FormatUint(uint64(pkt.SSRC), 10))
				continue
			}

			dec, exists := decoders[pkt.SSRC]
			if !exists {
				var err error
				dec, err = gopus.NewDecoder(voiceSampleRate, voiceChannels)
				if err != nil {
					slog.Error("discord: create opus decoder", "ssrc", pkt.SSRC, "error", err)
					continue
				}
				decoders[pkt.SSRC] = dec
			}

			stereo, err := dec.Decode(pkt.Opus, voiceFrameSize, false)
			if err != nil {
				slog.Warn("discord: opus decode", "channel_id", v.channelID, "user_id", userID, "error", err)
				continue
			}

			frame := voiceFrame{userID: userID, samples: pcm.DecodeInt16(stereo, voiceChannels)}
			select {
			case v.frames <- frame:
			default:
				slog.Warn("discord: frame queue full, dropping audio",
					"channel_id", v.channelID, "user_id", userID)
			}
		}
	}
}

// dispatchLoop feeds queued frames into the buffering stage.
func (v *voiceSession) dispatchLoop() {
	for {
		select {
		case <-v.done:
			return
		case frame := <-v.frames:
			ctx := v.bot.runCtx()
			names := v.bot.memberNames(v.guildID, frame.userID)
			key := audio.Key{ChannelID: v.channelID, UserID: frame.userID}
			if err := v.bot.pipeline.Ingest(ctx, key, names.username, names.displayName, frame.samples); err != nil {
				slog.Error("discord: ingest failed", "channel_id", key.ChannelID, "user_id", key.UserID, "error", err)
			}
		}
	}
}
