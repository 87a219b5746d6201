package compute

import "fmt"

// Status is a platform status code. The numbering follows OpenCL so drivers
// backed by a real ICD can pass codes through unchanged.
type Status int32

const (
	StatusSuccess                   Status = 0
	StatusDeviceNotFound            Status = -1
	StatusDeviceNotAvailable        Status = -2
	StatusCompilerNotAvailable      Status = -3
	StatusMemObjectAllocation       Status = -4
	StatusOutOfResources            Status = -5
	StatusOutOfHostMemory           Status = -6
	StatusProfilingInfoNotAvailable Status = -7
	StatusMemCopyOverlap            Status = -8
	StatusImageFormatMismatch       Status = -9
	StatusImageFormatNotSupported   Status = -10
	StatusBuildProgramFailure       Status = -11
	StatusMapFailure                Status = -12
	StatusExecStatusErrorForEvents  Status = -14

	StatusInvalidValue             Status = -30
	StatusInvalidDeviceType        Status = -31
	StatusInvalidPlatform          Status = -32
	StatusInvalidDevice            Status = -33
	StatusInvalidContext           Status = -34
	StatusInvalidQueueProperties   Status = -35
	StatusInvalidCommandQueue      Status = -36
	StatusInvalidHostPtr           Status = -37
	StatusInvalidMemObject         Status = -38
	StatusInvalidImageFormat       Status = -39
	StatusInvalidImageSize         Status = -40
	StatusInvalidSampler           Status = -41
	StatusInvalidBinary            Status = -42
	StatusInvalidBuildOptions      Status = -43
	StatusInvalidProgram           Status = -44
	StatusInvalidProgramExecutable Status = -45
	StatusInvalidKernelName        Status = -46
	StatusInvalidKernelDefinition  Status = -47
	StatusInvalidKernel            Status = -48
	StatusInvalidArgIndex          Status = -49
	StatusInvalidArgValue          Status = -50
	StatusInvalidArgSize           Status = -51
	StatusInvalidKernelArgs        Status = -52
	StatusInvalidWorkDimension     Status = -53
	StatusInvalidWorkGroupSize     Status = -54
	StatusInvalidWorkItemSize      Status = -55
	StatusInvalidGlobalOffset      Status = -56
	StatusInvalidEventWaitList     Status = -57
	StatusInvalidEvent             Status = -58
	StatusInvalidOperation         Status = -59
	StatusInvalidGLObject          Status = -60
	StatusInvalidBufferSize        Status = -61
	StatusInvalidMipLevel          Status = -62
	StatusInvalidGlobalWorkSize    Status = -63
)

var statusText = map[Status]string{
	StatusSuccess:                   "Success",
	StatusDeviceNotFound:            "Device not found",
	StatusDeviceNotAvailable:        "Device not available",
	StatusCompilerNotAvailable:      "Compiler not available",
	StatusMemObjectAllocation:       "Memory object allocation failure",
	StatusOutOfResources:            "Out of resources",
	StatusOutOfHostMemory:           "Out of host memory",
	StatusProfilingInfoNotAvailable: "Profiling information not available",
	StatusMemCopyOverlap:            "Memory copy overlap",
	StatusImageFormatMismatch:       "Image format mismatch",
	StatusImageFormatNotSupported:   "Image format not supported",
	StatusBuildProgramFailure:       "Program build failure",
	StatusMapFailure:                "Map failure",
	StatusExecStatusErrorForEvents:  "Execution error for events in wait list",
	StatusInvalidValue:              "Invalid value",
	StatusInvalidDeviceType:         "Invalid device type",
	StatusInvalidPlatform:           "Invalid platform",
	StatusInvalidDevice:             "Invalid device",
	StatusInvalidContext:            "Invalid context",
	StatusInvalidQueueProperties:    "Invalid queue properties",
	StatusInvalidCommandQueue:       "Invalid command queue",
	StatusInvalidHostPtr:            "Invalid host pointer",
	StatusInvalidMemObject:          "Invalid memory object",
	StatusInvalidImageFormat:        "Invalid image format descriptor",
	StatusInvalidImageSize:          "Invalid image size",
	StatusInvalidSampler:            "Invalid sampler",
	StatusInvalidBinary:             "Invalid binary",
	StatusInvalidBuildOptions:       "Invalid build options",
	StatusInvalidProgram:            "Invalid program",
	StatusInvalidProgramExecutable:  "Invalid program executable",
	StatusInvalidKernelName:         "Invalid kernel name",
	StatusInvalidKernelDefinition:   "Invalid kernel definition",
	StatusInvalidKernel:             "Invalid kernel",
	StatusInvalidArgIndex:           "Invalid argument index",
	StatusInvalidArgValue:           "Invalid argument value",
	StatusInvalidArgSize:            "Invalid argument size",
	StatusInvalidKernelArgs:         "Invalid kernel arguments",
	StatusInvalidWorkDimension:      "Invalid work dimension",
	StatusInvalidWorkGroupSize:      "Invalid work group size",
	StatusInvalidWorkItemSize:       "Invalid work item size",
	StatusInvalidGlobalOffset:       "Invalid global offset",
	StatusInvalidEventWaitList:      "Invalid event wait list",
	StatusInvalidEvent:              "Invalid event",
	StatusInvalidOperation:          "Invalid operation",
	StatusInvalidGLObject:           "Invalid OpenGL object",
	StatusInvalidBufferSize:         "Invalid buffer size",
	StatusInvalidMipLevel:           "Invalid mip-map level",
	StatusInvalidGlobalWorkSize:     "Invalid global work size",
}

// ErrorString resolves a raw status code to a readable description.
func ErrorString(code int32) string {
	if text, ok := statusText[Status(code)]; ok {
		return text
	}
	return "Unknown"
}

// String returns the readable description of s.
func (s Status) String() string {
	return ErrorString(int32(s))
}

// Error implements error so drivers can return a Status directly.
func (s Status) Error() string {
	return fmt.Sprintf("%s (%d)", s.String(), int32(s))
}

// BuildStatus is the state of a program build as reported by the platform.
type BuildStatus int32

const (
	BuildStatusSuccess    BuildStatus = 0
	BuildStatusNone       BuildStatus = -1
	BuildStatusError      BuildStatus = -2
	BuildStatusInProgress BuildStatus = -3
)

func (b BuildStatus) String() string {
	switch b {
	case BuildStatusSuccess:
		return "success"
	case BuildStatusNone:
		return "none"
	case BuildStatusError:
		return "error"
	case BuildStatusInProgress:
		return "in progress"
	default:
		return fmt.Sprintf("unknown (%d)", int32(b))
	}
}
