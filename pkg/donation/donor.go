package donation

import "strings"

// Placeholder names stored when a donor gives none.
const (
	DefaultFirstName = "Anonymous"
	DefaultLastName  = "Donor"
)

// SplitName splits a full name into first name and the remainder.
// "Ada King Lovelace" yields ("Ada", "King Lovelace").
func SplitName(full string) (first, last string) {
	parts := strings.Fields(full)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}

// NewDonorFromUpsert builds the row inserted for an unknown email.
func NewDonorFromUpsert(u DonorUpsert) Donor {
	d := Donor{
		Email:     NormalizeEmail(u.Email),
		FirstName: strings.TrimSpace(u.FirstName),
		LastName:  strings.TrimSpace(u.LastName),
		Phone:     strings.TrimSpace(u.Phone),
	}
	if d.FirstName == "" {
		d.FirstName = DefaultFirstName
	}
	if d.LastName == "" {
		d.LastName = DefaultLastName
	}
	return d
}

// MergeDonor applies u to an existing donor. Empty fields in u never blank
// stored values.
func MergeDonor(existing *Donor, u DonorUpsert) {
	if v := strings.TrimSpace(u.FirstName); v != "" {
		existing.FirstName = v
	}
	if v := strings.TrimSpace(u.LastName); v != "" {
		existing.LastName = v
	}
	if v := strings.TrimSpace(u.Phone); v != "" {
		existing.Phone = v
	}
}
