package play

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// players in order of preference, with the arguments that make each one
// play a single file and exit.
var players = []struct {
	name string
	args []string
}{
	{"mpv", []string{"--no-video"}},
	{"ffplay", []string{"-nodisp", "-autoexit", "-loglevel", "error"}},
	{"pw-play", nil},
	{"aplay", nil},
	{"vlc", []string{"--play-and-exit", "--intf", "dummy"}},
}

type Player struct {
	lookPath func(string) (string, error)
	run      func(ctx context.Context, name string, args ...string) error
}

func New() *Player {
	return &Player{lookPath: exec.LookPath, run: runCommand}
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// Play blocks until the recording has played or ctx is cancelled.
func (p *Player) Play(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("audio file not found: %s", path)
	}

	name, args, err := p.findAudioPlayer()
	if err != nil {
		return fmt.Errorf("no suitable audio player found: %w", err)
	}

	fmt.Printf("Playing: %s\n", path)

	if err := p.run(ctx, name, append(args, path)...); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("playback failed with %s: %w", name, err)
	}

	fmt.Println("Playback completed")
	return nil
}

func (p *Player) findAudioPlayer() (string, []string, error) {
	tried := make([]string, 0, len(players))
	for _, pl := range players {
		if _, err := p.lookPath(pl.name); err == nil {
			return pl.name, append([]string(nil), pl.args...), nil
		}
		tried = append(tried, pl.name)
	}

	return "", nil, fmt.Errorf("no audio player found (tried: %s)", strings.Join(tried, ", "))
}
