package notifier

import "time"

// InstanceInfo describes one observed instance.
type InstanceInfo struct {
	ID        string
	Name      string
	Image     string
	State     string
	Running   bool
	StartedAt time.Time
}

// Instances receives lifecycle changes of a watched instance name. Added and
// Removed fire when the instance behind the name changes identity; Sync fires
// after every observation with the current instance, or nil when none exists.
type Instances interface {
	InstanceSync(info *InstanceInfo)
	InstanceAdded(info *InstanceInfo)
	InstanceRemoved(info *InstanceInfo)
}
