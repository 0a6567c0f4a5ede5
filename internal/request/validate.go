package request

import "fmt"

// Validate checks a submission batch. Every request must carry a payload of
// its own kind and all requests must share the first request's kind.
func Validate(requests []*Request) error {
	if len(requests) == 0 {
		return &ValidationError{Field: "requests", Reason: "empty submission"}
	}

	kind := requests[0].Kind
	for index, r := range requests {
		if r.Kind != kind {
			return &ValidationError{
				Index:  index,
				Field:  "kind",
				Reason: fmt.Sprintf("mixed kinds %s and %s in one batch", kind, r.Kind),
			}
		}
		if err := validateOne(index, r); err != nil {
			return err
		}
	}

	return nil
}

func validateOne(index int, r *Request) error {
	invalid := func(field, reason string) error {
		return &ValidationError{Index: index, Field: field, Reason: reason}
	}

	if r.Tenant == "" {
		return invalid("tenant", "required")
	}
	if r.Payload == nil {
		return invalid("payload", "required")
	}
	if r.Payload.Kind() != r.Kind {
		return invalid("payload", fmt.Sprintf("%s payload on %s request", r.Payload.Kind(), r.Kind))
	}
	if (r.SessionOwner == "") != (r.Session == "") {
		return invalid("session", "owner and session go together")
	}

	switch payload := r.Payload.(type) {
	case *IngestPayload:
		if payload.ProductID == "" {
			return invalid("product_id", "required")
		}
		if payload.ChainName == "" {
			return invalid("chain_name", "required")
		}
		if payload.Version < 0 {
			return invalid("version", "must not be negative")
		}
		if payload.VersioningMode != "" {
			if _, err := ParseVersioningMode(string(payload.VersioningMode)); err != nil {
				return invalid("versioning_mode", err.Error())
			}
		}
		for _, file := range payload.Files {
			if file.Filename == "" || file.Checksum == "" {
				return invalid("files", "filename and checksum are required")
			}
		}
	case *StoreMetadataPayload:
		if payload.PackageID == "" {
			return invalid("package_id", "required")
		}
	case *UpdatePayload:
		if payload.PackageID == "" {
			return invalid("package_id", "required")
		}
		if err := validateTasks(payload.Tasks); err != nil {
			return invalid("tasks", err.Error())
		}
	case *DeletionPayload:
		if payload.PackageID == "" {
			return invalid("package_id", "required")
		}
		if err := validateDeletionMode(payload.Mode); err != nil {
			return invalid("mode", err.Error())
		}
	case *UpdatesCreatorPayload:
		if err := validateTasks(payload.Tasks); err != nil {
			return invalid("tasks", err.Error())
		}
		if !r.HasSession() {
			return invalid("session", "creators need a session")
		}
	case *DeletionCreatorPayload:
		if err := validateDeletionMode(payload.Mode); err != nil {
			return invalid("mode", err.Error())
		}
		if !r.HasSession() {
			return invalid("session", "creators need a session")
		}
	case *PostProcessPayload:
		if payload.PackageID == "" {
			return invalid("package_id", "required")
		}
		if payload.ProcessorID == "" {
			return invalid("processor_id", "required")
		}
	}

	return nil
}

func validateTasks(tasks []UpdateTask) error {
	if len(tasks) == 0 {
		return fmt.Errorf("at least one task is required")
	}
	for _, task := range tasks {
		switch task.Type {
		case TaskAddTag, TaskRemoveTag, TaskAddCategory, TaskRemoveCategory, TaskRemoveStorage:
		default:
			return fmt.Errorf("unknown task type %q", task.Type)
		}
		if len(task.Values) == 0 {
			return fmt.Errorf("%s without values", task.Type)
		}
	}
	return nil
}

func validateDeletionMode(mode DeletionMode) error {
	switch mode {
	case DeletionByState, DeletionIrrevocably:
		return nil
	}
	return fmt.Errorf("unknown deletion mode %q", mode)
}
