package message

// NamespacedDocumentID computes the storage/topic-facing document key:
// "{room}/{document}" when ctx carries a non-empty room, else just
// "{document}".
func NamespacedDocumentID(document string, ctx Context) string {
	if ctx.Room != "" {
		return ctx.Room + "/" + document
	}
	return document
}
