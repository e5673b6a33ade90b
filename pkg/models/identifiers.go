package models

// ValidateIdentifier checks that an id is non-empty, ASCII-safe, and free of
// path separators so it can be embedded in a wire topic verbatim.
func ValidateIdentifier(id string) error {
	if id == "" {
		return NewRegistryError(CodeInvalidIdentifier, "identifier is empty")
	}

	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return NewRegistryError(CodeInvalidIdentifier,
				"identifier %q contains invalid byte %q at position %d", id, c, i)
		}
	}

	return nil
}
