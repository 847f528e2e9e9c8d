package captions

// Candidates lists caption language codes to try, most preferred first.
func Candidates(lang string) []string {
	switch lang {
	case "", "en":
		return []string{"en", "en-US", "en-GB", "en-IN", "en-AU"}
	case "hi":
		return []string{"hi", "hi-IN", "hi-Latn", "en", "en-IN"}
	case "auto":
		return []string{"hi", "en", "hi-IN", "en-IN", "en-US", "en-GB", "ta", "te", "mr", "bn"}
	}
	return []string{lang, "en", "hi"}
}
