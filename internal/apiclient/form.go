package apiclient

import (
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// Categories accepted by the backend.
var Categories = []string{"sale", "sucre", "soft", "alco"}

var (
	emailPattern     = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	telephonePattern = regexp.MustCompile(`^[0-9]{10}$`)
)

// ContributionForm is one pledge as entered by a guest. Numeric fields are
// kept as entered and checked by ValidateFormData.
type ContributionForm struct {
	Nom         string `json:"nom"`
	Email       string `json:"email"`
	Categorie   string `json:"categorie"`
	Detail      string `json:"detail"`
	Portions    string `json:"portions"`
	NbPersonnes string `json:"nbPersonnes"`
	Telephone   string `json:"telephone,omitempty"`
}

// Fields returns the form as the POST body fields the backend expects.
func (f *ContributionForm) Fields() map[string]any {
	out := map[string]any{
		"nom":         f.Nom,
		"email":       f.Email,
		"categorie":   f.Categorie,
		"detail":      f.Detail,
		"portions":    f.Portions,
		"nbPersonnes": f.NbPersonnes,
	}
	if strings.TrimSpace(f.Telephone) != "" {
		out["telephone"] = f.Telephone
	}
	return out
}

// ValidateFormData checks form and returns the first violated rule as a
// KindValidation error. Missing required fields are reported together.
func ValidateFormData(form *ContributionForm) error {
	if form == nil {
		return validationError("Données du formulaire manquantes")
	}

	required := []struct {
		name  string
		value string
	}{
		{"nom", form.Nom},
		{"email", form.Email},
		{"categorie", form.Categorie},
		{"detail", form.Detail},
		{"portions", form.Portions},
	}
	var missing []string
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			missing = append(missing, r.name)
		}
	}
	if len(missing) > 0 {
		return validationError("Champs requis manquants : "+strings.Join(missing, ", "), missing...)
	}

	if !emailPattern.MatchString(strings.TrimSpace(form.Email)) {
		return validationError("Adresse email invalide", "email")
	}
	if !slices.Contains(Categories, form.Categorie) {
		return validationError("Catégorie invalide (valeurs acceptées : "+strings.Join(Categories, ", ")+")", "categorie")
	}
	if !intInRange(form.NbPersonnes, 1, 20) {
		return validationError("Le nombre de personnes doit être un entier entre 1 et 20", "nbPersonnes")
	}
	if !intInRange(form.Portions, 1, 100) {
		return validationError("Le nombre de portions doit être un entier entre 1 et 100", "portions")
	}
	if tel := strings.TrimSpace(form.Telephone); tel != "" && !telephonePattern.MatchString(tel) {
		return validationError("Le numéro de téléphone doit contenir exactement 10 chiffres", "telephone")
	}
	return nil
}

func intInRange(s string, lo, hi int) bool {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	return err == nil && n >= lo && n <= hi
}

func validationError(msg string, fields ...string) *Error {
	return &Error{Kind: KindValidation, Message: msg, Fields: fields}
}
