package agent

import (
	"strings"

	"github.com/coder/acp-go-sdk"
)

// Permission modes that approve every tool request without asking.
var autoApproveModes = map[string]bool{
	"bypassPermissions": true,
	"acceptEdits":       true,
}

// permissionAllowed reports whether a permission request for tool should be
// approved under opts. Allowed tool entries may carry a pattern suffix, as in
// "Bash(git:*)"; only the tool name before the parenthesis is compared.
func permissionAllowed(opts Options, tool string) bool {
	if autoApproveModes[opts.PermissionMode] {
		return true
	}
	if tool == "" {
		return false
	}
	for _, allowed := range opts.AllowedTools {
		name, _, _ := strings.Cut(allowed, "(")
		if allowed == tool || strings.TrimSpace(name) == tool {
			return true
		}
	}
	return false
}

// AutoApprovePermission selects an allow option (AllowOnce or AllowAlways)
// if one is offered, otherwise the first option. With no options the request
// is cancelled.
func AutoApprovePermission(options []acp.PermissionOption) acp.RequestPermissionResponse {
	for _, opt := range options {
		if opt.Kind == acp.PermissionOptionKindAllowOnce || opt.Kind == acp.PermissionOptionKindAllowAlways {
			return acp.RequestPermissionResponse{
				Outcome: acp.RequestPermissionOutcome{
					Selected: &acp.RequestPermissionOutcomeSelected{OptionId: opt.OptionId},
				},
			}
		}
	}
	if len(options) > 0 {
		return acp.RequestPermissionResponse{
			Outcome: acp.RequestPermissionOutcome{
				Selected: &acp.RequestPermissionOutcomeSelected{OptionId: options[0].OptionId},
			},
		}
	}
	return CancelledPermissionResponse()
}

// CancelledPermissionResponse returns a cancelled permission response.
func CancelledPermissionResponse() acp.RequestPermissionResponse {
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}},
	}
}
