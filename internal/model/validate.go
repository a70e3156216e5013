package model

import (
	"errors"
	"fmt"
	"regexp"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateTask checks a task definition before it is persisted or admitted.
func ValidateTask(t Task) error {
	var errs []error

	if t.ID == "" {
		errs = append(errs, errors.New("task id is required"))
	}
	if t.Name == "" {
		errs = append(errs, errors.New("task name is required"))
	}
	if t.SourceConnectorID == "" {
		errs = append(errs, errors.New("source connector is required"))
	}
	if t.DestinationConnectorID == "" {
		errs = append(errs, errors.New("destination connector is required"))
	}
	if len(t.SourceTables) == 0 {
		errs = append(errs, errors.New("at least one source table is required"))
	}
	seen := make(map[string]struct{}, len(t.SourceTables))
	for _, tbl := range t.SourceTables {
		if _, dup := seen[tbl]; dup {
			errs = append(errs, fmt.Errorf("duplicate source table %q", tbl))
		}
		seen[tbl] = struct{}{}
	}

	switch t.Mode {
	case ModeFullLoad, ModeCDC, ModeFullLoadThenCDC:
	default:
		errs = append(errs, fmt.Errorf("unknown task mode %q", t.Mode))
	}
	switch t.ScheduleType {
	case ScheduleOnDemand, ScheduleContinuous:
	case ScheduleInterval:
		if t.ScheduleIntervalSec <= 0 {
			errs = append(errs, errors.New("interval schedule requires schedule_interval_seconds > 0"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown schedule type %q", t.ScheduleType))
	}

	if t.BatchRows <= 0 {
		errs = append(errs, errors.New("batch_rows must be positive"))
	}
	if t.ParallelTables < 1 {
		errs = append(errs, errors.New("parallel_tables must be >= 1"))
	}
	if t.Retry.Enabled && t.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("max_retries must be >= 0"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfigInvalid, errors.Join(errs...))
	}
	return nil
}

// ValidateConnector checks a connector definition.
func ValidateConnector(c Connector) error {
	var errs []error

	if c.ID == "" {
		errs = append(errs, errors.New("connector id is required"))
	}
	if c.Name == "" {
		errs = append(errs, errors.New("connector name is required"))
	}
	switch c.Kind {
	case KindSource:
		switch SourceVariant(c.Variant) {
		case SourceSQLServer, SourcePostgreSQL, SourceMySQL, SourceOracle:
		default:
			errs = append(errs, fmt.Errorf("unknown source variant %q", c.Variant))
		}
	case KindDestination:
		switch DestinationVariant(c.Variant) {
		case DestSnowflake, DestS3:
		default:
			errs = append(errs, fmt.Errorf("unknown destination variant %q", c.Variant))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown connector kind %q", c.Kind))
	}
	if len(c.Config) == 0 {
		errs = append(errs, errors.New("connection_config is required"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfigInvalid, errors.Join(errs...))
	}
	return nil
}

// ValidateVariable checks a global variable definition.
func ValidateVariable(v GlobalVariable) error {
	var errs []error

	if v.Name == "" {
		errs = append(errs, errors.New("variable name is required"))
	} else if !identRe.MatchString(v.Name) {
		errs = append(errs, fmt.Errorf("variable name %q is not a valid identifier", v.Name))
	}
	switch v.Type {
	case VarStatic, VarDBQuery, VarExpression:
	default:
		errs = append(errs, fmt.Errorf("unknown variable type %q", v.Type))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfigInvalid, errors.Join(errs...))
	}
	return nil
}
