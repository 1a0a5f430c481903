package notify

// Well-known notification identifiers a host commonly posts or observes,
// documented in original_source/include/libiphone/notification_proxy.h.
const (
	SyncCancelRequest    = "com.apple.itunes-client.syncCancelRequest"
	SyncSuspendRequest   = "com.apple.itunes-client.syncSuspendRequest"
	SyncResumeRequest    = "com.apple.itunes-client.syncResumeRequest"
	RequestPair          = "com.apple.mobile.lockdown.request_pair"
	AttemptActivation    = "com.apple.springboard.attemptactivation"
	ApplicationInstalled = "com.apple.mobile.application_installed"
	BackupDomainChanged  = "com.apple.mobilebackup.backup_domain_changed"
)
