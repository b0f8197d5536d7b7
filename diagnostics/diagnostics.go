// Package diagnostics reports what hardware a node runs on.
package diagnostics

import (
	"bufio"
	"bytes"
	"context"
	"runtime"
	"strconv"
	"strings"

	sockaddr "github.com/hashicorp/go-sockaddr"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/tynkerbase/tynkerbase-agent/log"
	"github.com/tynkerbase/tynkerbase-agent/shell"
)

const meminfoPath = "/proc/meminfo"

// Report is the body of GET /diags/get-diags. Fields that could not be
// measured are null.
type Report struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Manufacturer   *string `json:"manufacturer"`
	CPU            *string `json:"cpu"`
	MemTotalKB     *uint64 `json:"mem_total_kb"`
	MemAvailableKB *uint64 `json:"mem_available_kb"`
	PrivateIP      *string `json:"private_ip"`
	OS             string  `json:"os"`
	Arch           string  `json:"arch"`
}

// Prober measures the host.
type Prober struct {
	runner    shell.Runner
	fs        afero.Fs
	privateIP func() (string, error)
}

func NewProber(runner shell.Runner, fs afero.Fs) *Prober {
	return &Prober{runner: runner, fs: fs, privateIP: sockaddr.GetPrivateIP}
}

// Measure runs every probe concurrently.
func (p *Prober) Measure(ctx context.Context, nodeID, name string) Report {
	logger := log.FromContext(ctx).Named("Diagnostics")
	ctx = context.WithoutCancel(ctx)

	report := Report{ID: nodeID, Name: name, OS: runtime.GOOS, Arch: runtime.GOARCH}
	var g errgroup.Group

	g.Go(func() error {
		out, err := p.runner.Output(ctx, shell.Cmd{Name: "dmidecode", Args: []string{"-s", "system-manufacturer"}})
		if err != nil {
			logger.Debugw("dmidecode failed", "error", err)
			return nil
		}
		report.Manufacturer = nonEmpty(string(out))
		return nil
	})
	g.Go(func() error {
		out, err := p.runner.Output(ctx, shell.Cmd{Name: "lscpu"})
		if err != nil {
			logger.Debugw("lscpu failed", "error", err)
			return nil
		}
		report.CPU = ModelName(string(out))
		return nil
	})
	g.Go(func() error {
		b, err := afero.ReadFile(p.fs, meminfoPath)
		if err != nil {
			logger.Debugw("could not read meminfo", "error", err)
			return nil
		}
		report.MemTotalKB, report.MemAvailableKB = ParseMeminfo(b)
		return nil
	})
	g.Go(func() error {
		ip, err := p.privateIP()
		if err != nil {
			logger.Debugw("could not find private ip", "error", err)
			return nil
		}
		report.PrivateIP = nonEmpty(ip)
		return nil
	})

	_ = g.Wait()
	return report
}

// ModelName picks the "Model name:" line out of lscpu output. Without one the
// whole output is returned.
func ModelName(lscpu string) *string {
	for _, line := range strings.Split(lscpu, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if ok && strings.TrimSpace(key) == "Model name" {
			return nonEmpty(value)
		}
	}
	return nonEmpty(lscpu)
}

// ParseMeminfo returns MemTotal and MemAvailable in kB.
func ParseMeminfo(b []byte) (total, available *uint64) {
	scanner := bufio.NewScanner(bytes.NewReader(b))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		n, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = &n
		case "MemAvailable:":
			available = &n
		}
	}
	return total, available
}

func nonEmpty(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
