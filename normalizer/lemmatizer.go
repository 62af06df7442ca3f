package normalizer

// DictLemmatizer is a small embedded French lemma dictionary. It is the
// shipped default for the Lemmatizer interface, matching spec.md §9's
// requirement that the lemmatizer degrade gracefully rather than be a
// required dependency: an unknown word simply reports ok=false and lets
// the caller fall back to the surface form.
type DictLemmatizer struct {
	table map[string]string
}

// NewDictLemmatizer builds a lemmatizer from an explicit surface->lemma
// table, seeded with a small set of common irregular forms.
func NewDictLemmatizer(extra map[string]string) *DictLemmatizer {
	table := make(map[string]string, len(baseLemmas)+len(extra))
	for k, v := range baseLemmas {
		table[k] = v
	}
	for k, v := range extra {
		table[k] = v
	}
	return &DictLemmatizer{table: table}
}

// Lemma implements Lemmatizer.
func (d *DictLemmatizer) Lemma(word string) (string, bool) {
	lemma, ok := d.table[word]
	return lemma, ok
}

// baseLemmas covers common irregular French forms where the surface
// form is not already its own lemma (conjugated verbs, gendered/
// plural adjectives the stemmer can't fold losslessly).
var baseLemmas = map[string]string{
	"suis": "etre", "es": "etre", "est": "etre", "sommes": "etre", "etes": "etre", "sont": "etre", "etait": "etre",
	"ai": "avoir", "as": "avoir", "a": "avoir", "avons": "avoir", "avez": "avoir", "ont": "avoir", "avait": "avoir",
	"vais": "aller", "vas": "aller", "va": "aller", "allons": "aller", "allez": "aller", "vont": "aller",
	"mange": "manger", "manges": "manger", "mangeons": "manger", "mangez": "manger", "mangent": "manger", "mangeait": "manger",
	"dors": "dormir", "dort": "dormir", "dormons": "dormir", "dormez": "dormir", "dorment": "dormir",
	"chante": "chanter", "chantes": "chanter", "chantons": "chanter", "chantez": "chanter", "chantent": "chanter",
	"une": "un", "unes": "un", "uns": "un",
	"chiens": "chien", "chiennes": "chienne",
	"chats": "chat", "chattes": "chatte",
	"temps": "temps",
}
