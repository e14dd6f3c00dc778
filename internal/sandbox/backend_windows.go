//go:build windows

package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/Mearman/claudia/internal/logger"
	"github.com/Mearman/claudia/internal/types"
)

var (
	jobLog = logger.New("jobobject")

	procIsProcessInJob = windows.NewLazySystemDLL("kernel32.dll").NewProc("IsProcessInJob")
)

type jobObjectBackend struct{}

type windowsState struct {
	job     windows.Handle
	program *JobObjectProgram
	// missing lists labelled trees that did not exist at install.
	missing []string
}

// Mandatory label SACLs. Both are inherited by files and directories.
const (
	writableLabelSDDL = "S:(ML;OICI;NW;;;LW)"
	hiddenLabelSDDL   = "S:(ML;OICI;NRNW;;;ME)"
)

func newPlatformBackend() Backend {
	return &jobObjectBackend{}
}

func (b *jobObjectBackend) Platform() types.Platform { return types.PlatformWindows }

func (b *jobObjectBackend) Install(ctx context.Context, t *Target, cp *CompiledPolicy) (*Handle, error) {
	return InstallWith(ctx, b, t, cp)
}

func (b *jobObjectBackend) Primitive() (string, string, error) {
	v := windows.RtlGetVersion()
	return "job-object", fmt.Sprintf("%d.%d.%d", v.MajorVersion, v.MinorVersion, v.BuildNumber), nil
}

func (b *jobObjectBackend) Available(*Program) (string, string, error) {
	return b.Primitive()
}

func (b *jobObjectBackend) Apply(t *Target, prog *Program) (any, bool, error) {
	if err := requireSelf(t); err != nil {
		return nil, false, err
	}
	jp := prog.Windows

	// Labels go on while the token is still Medium; the Medium label on a
	// hidden tree could not be set from Low.
	missing, err := applyLabels(jp.Labels())
	if err != nil {
		return nil, false, err
	}

	job, err := windows.CreateJobObject(nil, nil)
	if err != nil {
		return nil, false, fmt.Errorf("CreateJobObject: %w", err)
	}

	var limits windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION
	if jp.ActiveProcessLimit > 0 {
		limits.BasicLimitInformation.LimitFlags |= windows.JOB_OBJECT_LIMIT_ACTIVE_PROCESS
		limits.BasicLimitInformation.ActiveProcessLimit = jp.ActiveProcessLimit
	}
	if _, err := windows.SetInformationJobObject(job, windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&limits)), uint32(unsafe.Sizeof(limits))); err != nil {
		windows.CloseHandle(job)
		return nil, false, fmt.Errorf("SetInformationJobObject(limits): %w", err)
	}
	if jp.UIRestrictions != 0 {
		ui := windows.JOBOBJECT_BASIC_UI_RESTRICTIONS{UIRestrictionsClass: jp.UIRestrictions}
		if _, err := windows.SetInformationJobObject(job, windows.JobObjectBasicUIRestrictions,
			uintptr(unsafe.Pointer(&ui)), uint32(unsafe.Sizeof(ui))); err != nil {
			windows.CloseHandle(job)
			return nil, false, fmt.Errorf("SetInformationJobObject(ui): %w", err)
		}
	}
	if err := windows.AssignProcessToJobObject(job, windows.CurrentProcess()); err != nil {
		windows.CloseHandle(job)
		return nil, false, fmt.Errorf("AssignProcessToJobObject: %w", err)
	}

	if jp.LowIntegrity {
		if err := lowerIntegrity(); err != nil {
			// The process is already in the job.
			return nil, true, fmt.Errorf("lowering integrity level: %w", err)
		}
	}
	jobLog.Debug("assigned to job (process limit %d, ui 0x%x, low integrity %v)",
		jp.ActiveProcessLimit, jp.UIRestrictions, jp.LowIntegrity)
	return &windowsState{job: job, program: jp, missing: missing}, false, nil
}

// applyLabels sets each mandatory label. Trees that do not exist are skipped
// and returned.
func applyLabels(labels []PathLabel) (missing []string, err error) {
	for _, l := range labels {
		native := filepath.FromSlash(l.Path)
		if _, err := os.Stat(native); err != nil {
			jobLog.Warn("not labelling %s: %v", native, err)
			missing = append(missing, l.Path)
			continue
		}
		sddl := writableLabelSDDL
		if l.Hidden {
			sddl = hiddenLabelSDDL
		}
		if err := setMandatoryLabel(native, sddl); err != nil {
			return missing, fmt.Errorf("labelling %s: %w", native, err)
		}
		jobLog.Debug("labelled %s (hidden=%v)", native, l.Hidden)
	}
	return missing, nil
}

func setMandatoryLabel(path, sddl string) error {
	sd, err := windows.SecurityDescriptorFromString(sddl)
	if err != nil {
		return err
	}
	sacl, _, err := sd.SACL()
	if err != nil {
		return err
	}
	return windows.SetNamedSecurityInfo(path, windows.SE_FILE_OBJECT,
		windows.LABEL_SECURITY_INFORMATION, nil, nil, nil, sacl)
}

// lowerIntegrity sets the process token to the Low mandatory level.
func lowerIntegrity() error {
	var token windows.Token
	if err := windows.OpenProcessToken(windows.CurrentProcess(),
		windows.TOKEN_ADJUST_DEFAULT|windows.TOKEN_QUERY, &token); err != nil {
		return err
	}
	defer token.Close()

	sid, err := windows.CreateWellKnownSid(windows.WinLowLabelSid)
	if err != nil {
		return err
	}
	tml := windows.Tokenmandatorylabel{
		Label: windows.SIDAndAttributes{Sid: sid, Attributes: windows.SE_GROUP_INTEGRITY},
	}
	return windows.SetTokenInformation(token, windows.TokenIntegrityLevel,
		(*byte)(unsafe.Pointer(&tml)), tml.Size())
}

func (b *jobObjectBackend) IsActive(h *Handle) bool {
	if !handleInstalled(h, types.PlatformWindows) {
		return false
	}
	state, ok := h.native.(*windowsState)
	if !ok {
		return false
	}
	return processInJob(windows.CurrentProcess(), state.job)
}

// processInJob reports whether process is assigned to job. Any failure to
// ask reads as not in the job.
func processInJob(process, job windows.Handle) bool {
	if err := procIsProcessInJob.Find(); err != nil {
		return false
	}
	var result int32
	r1, _, _ := procIsProcessInJob.Call(uintptr(process), uintptr(job), uintptr(unsafe.Pointer(&result)))
	return r1 != 0 && result != 0
}

func (b *jobObjectBackend) Describe(h *Handle) Diagnostic {
	d := Diagnostic{Platform: types.PlatformWindows, Primitive: "job-object", Active: b.IsActive(h)}
	if h == nil {
		return d
	}
	d.PrimitiveVersion = h.PrimitiveVersion
	if state, ok := h.native.(*windowsState); ok {
		d.Details = map[string]string{
			"active_process_limit": strconv.FormatUint(uint64(state.program.ActiveProcessLimit), 10),
			"ui_restrictions":      fmt.Sprintf("0x%x", state.program.UIRestrictions),
			"low_integrity":        strconv.FormatBool(state.program.LowIntegrity),
			"writable_paths":       strings.Join(state.program.WritablePaths, ","),
			"hidden_paths":         strings.Join(state.program.HiddenPaths, ","),
			"default_read":         "allowed",
		}
		if len(state.missing) > 0 {
			d.Details["missing_paths"] = strings.Join(state.missing, ",")
		}
	}
	return d
}
