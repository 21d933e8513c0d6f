package node

import (
	"fmt"
	"math"
)

// knownArgTypes is the set of service argument types this integration can
// marshal. A service declaring anything else is skipped at registration time
// (the device keeps it in its listing; only the host-side exposure is
// withheld).
var knownArgTypes = map[ServiceArgType]struct{}{
	ArgBool:        {},
	ArgInt:         {},
	ArgFloat:       {},
	ArgString:      {},
	ArgBoolArray:   {},
	ArgIntArray:    {},
	ArgFloatArray:  {},
	ArgStringArray: {},
}

// ValidateServiceArgs checks that every argument of a service declares a
// known type. It returns ErrUnknownArgType (wrapped with the offending
// argument) for the first unknown one.
func ValidateServiceArgs(svc ServiceInfo) error {
	for _, arg := range svc.Args {
		if _, ok := knownArgTypes[arg.Type]; !ok {
			return fmt.Errorf("%w: service %q argument %q has type %q",
				ErrUnknownArgType, svc.Name, arg.Name, arg.Type)
		}
	}
	return nil
}

// SupportedServices partitions a device service listing into services the
// host can expose and the validation errors for those it cannot. A skipped
// service never reaches the registrar, the store or any published listing;
// the device keeps it locally and a later firmware fix makes it registrable
// on the next connect.
func SupportedServices(services []ServiceInfo) (supported []ServiceInfo, skipped []error) {
	for _, svc := range services {
		if err := ValidateServiceArgs(svc); err != nil {
			skipped = append(skipped, err)
			continue
		}
		supported = append(supported, svc)
	}
	return supported, skipped
}

// BuildServiceCall validates caller-supplied arguments against a service
// descriptor and returns the call to execute. Arguments not declared by the
// service are rejected; declared arguments may be omitted. Numeric values
// arrive as float64 when decoded from JSON, so integer arguments accept
// whole-valued floats.
func BuildServiceCall(svc ServiceInfo, args map[string]any) (ServiceCall, error) {
	declared := make(map[string]ServiceArgType, len(svc.Args))
	for _, arg := range svc.Args {
		declared[arg.Name] = arg.Type
	}

	coerced := make(map[string]any, len(args))
	for name, value := range args {
		argType, ok := declared[name]
		if !ok {
			return ServiceCall{}, fmt.Errorf("%w: service %q has no argument %q",
				ErrInvalidServiceArgs, svc.Name, name)
		}
		converted, err := coerceArg(argType, value)
		if err != nil {
			return ServiceCall{}, fmt.Errorf("%w: service %q argument %q: %v",
				ErrInvalidServiceArgs, svc.Name, name, err)
		}
		coerced[name] = converted
	}

	return ServiceCall{Key: svc.Key, Name: svc.Name, Args: coerced}, nil
}

func coerceArg(argType ServiceArgType, value any) (any, error) {
	switch argType {
	case ArgBool:
		v, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", value)
		}
		return v, nil

	case ArgInt:
		return coerceInt(value)

	case ArgFloat:
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		default:
			return nil, fmt.Errorf("expected float, got %T", value)
		}

	case ArgString:
		v, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", value)
		}
		return v, nil

	case ArgBoolArray, ArgIntArray, ArgFloatArray, ArgStringArray:
		return coerceArray(argType, value)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownArgType, argType)
	}
}

func coerceInt(value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("expected integer, got %v", v)
		}
		return int64(v), nil
	default:
		return 0, fmt.Errorf("expected int, got %T", value)
	}
}

func coerceArray(argType ServiceArgType, value any) (any, error) {
	items, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("expected array, got %T", value)
	}

	var elemType ServiceArgType
	switch argType {
	case ArgBoolArray:
		elemType = ArgBool
	case ArgIntArray:
		elemType = ArgInt
	case ArgFloatArray:
		elemType = ArgFloat
	case ArgStringArray:
		elemType = ArgString
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownArgType, argType)
	}

	coerced := make([]any, 0, len(items))
	for i, item := range items {
		converted, err := coerceArg(elemType, item)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		coerced = append(coerced, converted)
	}
	return coerced, nil
}
