package vk

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/vulkan-go/vulkan"
)

// ErrValidation marks an error-severity message from the validation layers.
var ErrValidation = errors.New("validation error")

func (d *Device) setupDebugCallback() error {
	if !d.validation {
		return nil
	}
	createInfo := vulkan.DebugReportCallbackCreateInfo{
		SType: vulkan.StructureTypeDebugReportCallbackCreateInfo,
		Flags: vulkan.DebugReportFlags(
			vulkan.DebugReportErrorBit |
				vulkan.DebugReportWarningBit |
				vulkan.DebugReportPerformanceWarningBit),
		PfnCallback: d.debugReport,
	}
	if res := vulkan.CreateDebugReportCallback(d.instance, &createInfo, nil, &d.debugCallback); res != vulkan.Success {
		return fmt.Errorf("create debug callback: %w", vulkan.Error(res))
	}
	return nil
}

// debugReport runs on the thread that made the offending call. It must not
// panic, so errors are parked and raised by the next Submit or Present.
func (d *Device) debugReport(flags vulkan.DebugReportFlags, objectType vulkan.DebugReportObjectType,
	object uint64, location uint, messageCode int32, layerPrefix string, message string,
	userData unsafe.Pointer) vulkan.Bool32 {
	attrs := []any{"layer", layerPrefix, "code", messageCode, "object_type", objectType}
	if flags&vulkan.DebugReportFlags(vulkan.DebugReportErrorBit) != 0 {
		d.log.Error(message, attrs...)
		if d.validationErr == nil {
			d.validationErr = fmt.Errorf("%w: [%s] %s", ErrValidation, layerPrefix, message)
		}
		return vulkan.False
	}
	d.log.Warn(message, attrs...)
	return vulkan.False
}

// takeValidationError returns and clears the parked validation error.
func (d *Device) takeValidationError() error {
	err := d.validationErr
	d.validationErr = nil
	return err
}
