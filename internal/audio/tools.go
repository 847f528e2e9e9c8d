package audio

import (
	"os/exec"
	"sync"
)

var (
	toolsOnce sync.Once
	haveSox   bool
	haveFF    bool
)

func lookTools() {
	toolsOnce.Do(func() {
		_, err := exec.LookPath("sox")
		haveSox = err == nil
		_, err = exec.LookPath("ffmpeg")
		haveFF = err == nil
	})
}

// CheckSox reports whether sox is in PATH. The lookup runs once.
func CheckSox() bool {
	lookTools()
	return haveSox
}

// CheckFFmpeg reports whether ffmpeg is in PATH. The lookup runs once.
func CheckFFmpeg() bool {
	lookTools()
	return haveFF
}
