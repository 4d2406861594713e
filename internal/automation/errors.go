package automation

import "errors"

// Domain errors for the automation package.
//
//	if errors.Is(err, automation.ErrRuleInFlight) {
//	    // the previous firing has not finished
//	}
var (
	// ErrRuleNotFound is returned when a rule ID does not exist.
	ErrRuleNotFound = errors.New("automation: rule not found")

	// ErrRuleExists is returned when creating a rule whose ID is taken.
	ErrRuleExists = errors.New("automation: rule already exists")

	// ErrExecutionNotFound is returned when an execution ID does not exist.
	ErrExecutionNotFound = errors.New("automation: execution not found")

	// ErrRuleDisabled is returned when manually triggering a disabled rule.
	ErrRuleDisabled = errors.New("automation: rule disabled")

	// ErrRuleInFlight is returned when a rule is already executing.
	ErrRuleInFlight = errors.New("automation: rule already in flight")

	// ErrInvalidRule is returned when rule validation fails.
	ErrInvalidRule = errors.New("automation: invalid rule")

	// ErrSchedulerStopped is returned when work is submitted after Stop.
	ErrSchedulerStopped = errors.New("automation: scheduler stopped")

	// ErrSchedulerRunning is returned when Start is called twice.
	ErrSchedulerRunning = errors.New("automation: scheduler already running")

	// ErrNotNumeric is returned when an ordering comparison gets a
	// non-numeric operand.
	ErrNotNumeric = errors.New("automation: operand is not numeric")

	// ErrUnknownOperator is returned for an operator the comparison does
	// not support.
	ErrUnknownOperator = errors.New("automation: unknown operator")

	// ErrUnknownVariable is returned when a $variable has no value.
	ErrUnknownVariable = errors.New("automation: unknown variable")
)
