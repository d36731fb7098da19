package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// This function uses go-playground/validator for declarative validation
// via struct tags, with additional custom validation for complex rules
// that cannot be expressed in tags.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
//
// Returns an error describing validation failures.
func Validate(cfg *Config) error {
	// Run struct tag validation
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	// Custom validation rules that can't be expressed in tags
	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	p := &cfg.Partition
	itemSize := uint64(p.ItemByteSize)

	// Byte bounds only matter for the dimensions not pinned by target counts.
	if p.TargetChunksPerShard == 0 && p.MaxChunkBytes < itemSize {
		return fmt.Errorf("partition: max_chunk_bytes (%d) must hold at least one item (%d bytes)",
			p.MaxChunkBytes, itemSize)
	}
	if p.TargetShardCount == 0 && p.MaxShardBytes < itemSize {
		return fmt.Errorf("partition: max_shard_bytes (%d) must hold at least one item (%d bytes)",
			p.MaxShardBytes, itemSize)
	}
	if p.TargetChunksPerShard == 0 && p.TargetShardCount == 0 &&
		p.MaxShardBytes < p.MaxChunkBytes {
		return fmt.Errorf("partition: max_shard_bytes (%d) must be at least max_chunk_bytes (%d)",
			p.MaxShardBytes, p.MaxChunkBytes)
	}

	// The staleness window must comfortably exceed the poll interval, or a
	// live holder can never refresh before a peer considers it dead.
	if cfg.Store.LockStaleAfter <= cfg.Store.LockPollInterval {
		return fmt.Errorf("store: lock_stale_after (%s) must exceed lock_poll_interval (%s)",
			cfg.Store.LockStaleAfter, cfg.Store.LockPollInterval)
	}

	if cfg.Store.Type == "filesystem" {
		root, _ := cfg.Store.Filesystem["root"].(string)
		if root == "" {
			return fmt.Errorf("store: filesystem backend requires a root path")
		}
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		// Return the first validation error with context
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
