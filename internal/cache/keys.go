package cache

const (
	nsAccount = "account"
	nsHistory = "history"
	nsBlob    = "blob"
)

func accountKey(id string) string { return "acct:" + id }

func historyKey(conversationID string) string { return "hist:" + conversationID }

func historySeqKey(conversationID string) string { return "hist:" + conversationID + ":seq" }

func blobKey(id string) string { return "blob:" + id }
