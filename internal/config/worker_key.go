package config

type WorkerKeyStruct struct {
	PersistStateQueue string
	SyncResultsQueue  string
	SyncResultsSeq    string
}

var WorkerKey = &WorkerKeyStruct{
	PersistStateQueue: "persist_state_queue",
	SyncResultsQueue:  "sync_results_queue",
	SyncResultsSeq:    "sync_results_seq",
}
