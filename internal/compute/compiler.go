package compute

import (
	"fmt"
	"strings"

	"github.com/fxnlabs/clstp/internal/metrics"
	"go.uber.org/zap"
)

// CompileProgram builds the source unit named source for dev. The include
// path is the working directory plus any WithIncludeDirs entries, and
// extraArgs is appended to the build options. A failed build is returned as a
// *BuildError carrying the platform's build status and full log.
func (m *Manager) CompileProgram(dev *Device, source, extraArgs string) (Program, error) {
	if dev == nil || dev.Context == nil {
		return nil, fmt.Errorf("%w: device has no context", ErrInvalidArgument)
	}
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("%w: empty source name", ErrInvalidArgument)
	}

	options, err := m.buildOptions(extraArgs)
	if err != nil {
		return nil, err
	}
	log := m.logger.With(zap.String("source", source), zap.String("device", dev.Name))
	log.Info("Compiling program")

	program, err := dev.Context.CreateProgram(fmt.Sprintf("#include \"%s\"\n", source))
	if err != nil {
		return nil, Check(err, dev.Name, "creating program "+source)
	}

	if err := program.Build(options); err != nil {
		buildErr := &BuildError{
			Device:  dev.Name,
			Source:  source,
			Options: options,
			Status:  program.BuildStatus(),
			Log:     program.BuildLog(),
			Err:     err,
		}
		log.Error("Program build failed",
			zap.String("options", buildErr.Options),
			zap.Stringer("status", buildErr.Status),
			zap.String("log", buildErr.Log),
			zap.Error(err))
		metrics.ProgramBuildFailures.WithLabelValues(dev.Name).Inc()
		if releaseErr := program.Release(); releaseErr != nil {
			log.Warn("Releasing failed program", zap.Error(releaseErr))
		}
		return nil, buildErr
	}

	log.Info("Compilation successful")
	return program, nil
}

func (m *Manager) buildOptions(extraArgs string) (string, error) {
	wd, err := m.getwd()
	if err != nil {
		return "", fmt.Errorf("resolving working directory: %w", err)
	}
	parts := []string{"-I./", "-I" + wd}
	for _, dir := range m.includeDirs {
		if dir = strings.TrimSpace(dir); dir != "" {
			parts = append(parts, "-I"+dir)
		}
	}
	parts = append(parts, "-w")
	if extra := strings.TrimSpace(extraArgs); extra != "" {
		parts = append(parts, extra)
	}
	return strings.Join(parts, " "), nil
}
