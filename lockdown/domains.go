package lockdown

// Domain is a recognized lockdown query domain (spec.md §4.D). Unknown
// domains still pass through to GetValue/SetValue unmodified; these
// constants exist for callers, not for request validation.
type Domain string

const (
	DomainDiskUsage        Domain = "com.apple.disk_usage"
	DomainBattery          Domain = "com.apple.mobile.battery"
	DomainInternational    Domain = "com.apple.international"
	DomainBackup           Domain = "com.apple.mobile.backup"
	DomainSyncDataClass    Domain = "com.apple.mobile.sync_data_class"
	DomainITunesStore      Domain = "com.apple.mobile.iTunes_store"
	DomainWirelessLockdown Domain = "com.apple.mobile.wireless_lockdown"
)

// lockdownServiceType is the string query_type must echo back for a sane
// control service.
const lockdownServiceType = "com.apple.mobile.lockdown"
