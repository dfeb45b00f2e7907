package audio

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PortAudioHost is the DeviceHost backed by the PortAudio library.
// Initialize must succeed before use and Terminate must be called once
// all streams are closed.
type PortAudioHost struct {
	mutex   sync.Mutex
	devices []*portaudio.DeviceInfo
}

func NewPortAudioHost() *PortAudioHost {
	return &PortAudioHost{}
}

func (h *PortAudioHost) Initialize() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return nil
}

func (h *PortAudioHost) Terminate() {
	portaudio.Terminate()
}

func (h *PortAudioHost) Devices() ([]DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}

	h.mutex.Lock()
	h.devices = devices
	h.mutex.Unlock()

	infos := make([]DeviceInfo, len(devices))
	for i, d := range devices {
		infos[i] = DeviceInfo{
			Index:             i,
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
		}
		if d.HostApi != nil {
			infos[i].HostAPI = d.HostApi.Name
		}
	}
	return infos, nil
}

func (h *PortAudioHost) OpenInput(dev DeviceInfo, channels int, sampleRate float64, framesPerBuffer int, callback InputCallback) (InputStream, error) {
	h.mutex.Lock()
	devices := h.devices
	h.mutex.Unlock()

	if dev.Index < 0 || dev.Index >= len(devices) || devices[dev.Index].Name != dev.Name {
		return nil, fmt.Errorf("%w: %s is no longer available", ErrDeviceNotFound, dev.Name)
	}
	pd := devices[dev.Index]

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   pd,
			Channels: channels,
			Latency:  pd.DefaultLowInputLatency,
		},
		SampleRate:      sampleRate,
		FramesPerBuffer: framesPerBuffer,
	}

	stream, err := portaudio.OpenStream(params, func(in []int16, _ portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
		callback(in, flags&portaudio.InputOverflow != 0)
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}
