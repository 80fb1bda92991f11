package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"
	"github.com/wchboot/ch559boot"
)

// progressReporter renders Session progress events as a bar per operation.
type progressReporter struct {
	description string
	bar         *progressbar.ProgressBar
}

func (p *progressReporter) start(description string) {
	p.description = description
	p.bar = nil
}

func (p *progressReporter) update(done, total int) {
	if p.bar == nil || p.bar.GetMax() != total {
		p.bar = progressbar.NewOptions(total,
			progressbar.OptionSetWidth(50),
			progressbar.OptionSetDescription(p.description),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWriter(os.Stderr),
		)
	}
	p.bar.Set(done)
}

func (p *progressReporter) finish() {
	if p.bar != nil {
		p.bar.Finish()
		fmt.Fprintln(os.Stderr)
		p.bar = nil
	}
}

// runHook runs a user command around programming, e.g. to put the board into
// bootloader mode and release it again.
func runHook(ctx context.Context, name, command string) error {
	if command == "" {
		return nil
	}
	log.Infof("running %s command...", name)
	if err := exec.CommandContext(ctx, command).Run(); err != nil {
		return &exitError{code: exitIOErr, err: fmt.Errorf("failed to run %s command: %v", name, err)}
	}
	return nil
}

type processor struct {
	session    *ch559boot.Session
	profile    ch559boot.Profile
	progress   *progressReporter
	bootConfig *byte
}

type step struct {
	name    string
	enabled bool
	process func(context.Context) (string, error)
}

func (p *processor) run(ctx context.Context) error {
	steps := []step{
		{"erase", opts.erase || opts.writeProgram != "", p.processErase},
		{"write", opts.writeProgram != "", p.processWrite},
		{"compare", opts.compareProgram != "", p.processCompare},
		{"erase_data", opts.eraseData || opts.writeData != "", p.processEraseData},
		{"read_data", opts.readData != "", p.processReadData},
		{"write_data", opts.writeData != "", p.processWriteData},
		{"compare_data", opts.compareData != "", p.processCompareData},
		{"write_config", p.bootConfig != nil, p.processWriteConfig},
		{"boot", opts.boot, p.processBoot},
	}
	for _, s := range steps {
		if !s.enabled {
			continue
		}
		log.Debugf("%s: starting", s.name)
		p.progress.start(s.name)
		detail, err := s.process(ctx)
		p.progress.finish()
		if err != nil {
			return &exitError{code: exitIOErr, err: fmt.Errorf("%s: %v", s.name, err)}
		}
		fmt.Printf("%s: complete%s\n", s.name, detail)
	}
	return nil
}

// loadImage reads a raw or Intel HEX file. HEX addresses are relative to base.
func loadImage(name string, base uint32) ([]byte, error) {
	info, err := os.Stat(name)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, errors.New("not a regular file")
	}
	if !ch559boot.IsHexFile(name) {
		return os.ReadFile(name)
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ch559boot.LoadHexImage(f, base)
}

func (p *processor) loadDataImage(name string) ([]byte, error) {
	image, err := loadImage(name, uint32(p.profile.DataAddress))
	if err != nil {
		return nil, err
	}
	if !opts.fullfill && len(image) != p.profile.DataSize {
		return nil, errors.Errorf("file size should be 0x%x", p.profile.DataSize)
	}
	return image, nil
}

func (p *processor) processErase(ctx context.Context) (string, error) {
	return "", p.session.EraseProgram(ctx)
}

func (p *processor) processWrite(ctx context.Context) (string, error) {
	image, err := loadImage(opts.writeProgram, 0)
	if err != nil {
		return "", err
	}
	return "", p.session.WriteProgram(ctx, image)
}

func (p *processor) processCompare(ctx context.Context) (string, error) {
	image, err := loadImage(opts.compareProgram, 0)
	if err != nil {
		return "", err
	}
	return "", p.session.CompareProgram(ctx, image)
}

func (p *processor) processEraseData(ctx context.Context) (string, error) {
	return "", p.session.EraseData(ctx)
}

func (p *processor) processReadData(ctx context.Context) (string, error) {
	data, err := p.session.ReadData(ctx)
	if err != nil {
		return "", err
	}
	if ch559boot.IsHexFile(opts.readData) {
		buf := new(bytes.Buffer)
		if err := ch559boot.DumpHexImage(buf, data, uint32(p.profile.DataAddress)); err != nil {
			return "", err
		}
		data = buf.Bytes()
	}
	return "", os.WriteFile(opts.readData, data, 0644)
}

func (p *processor) processWriteData(ctx context.Context) (string, error) {
	image, err := p.loadDataImage(opts.writeData)
	if err != nil {
		return "", err
	}
	return "", p.session.WriteData(ctx, image)
}

func (p *processor) processCompareData(ctx context.Context) (string, error) {
	image, err := p.loadDataImage(opts.compareData)
	if err != nil {
		return "", err
	}
	return "", p.session.CompareData(ctx, image)
}

func (p *processor) processWriteConfig(ctx context.Context) (string, error) {
	v := *p.bootConfig
	return fmt.Sprintf(" (%02x)", v), p.session.SetBootConfig(ctx, v)
}

func (p *processor) processBoot(ctx context.Context) (string, error) {
	return "", p.session.Boot(ctx)
}
