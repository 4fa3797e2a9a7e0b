package beacon

import "strings"

// sourceApp routes by signal source; checked first.
var sourceApp = map[string]string{
	"OPS_TRAFFIC_ALERT":    AppOps,
	"OPS_CAPACITY_WARNING": AppOps,
	"QA_BATCH_FINISHED":    AppQA,
	"QA_BATCH_FAILED":      AppQA,
	"INVENTORY_LOW":        AppInventory,
	"INVENTORY_RECOUNT":    AppInventory,
	"WEB_ORDER_SPIKE":      AppInventory,
	"SHIFT_END_CHECKIN":    AppOps,
	"SHIFT_NO_SHOW":        AppOps,
}

// signalApp routes by normalised signal type; checked second.
var signalApp = map[string]string{
	"TRAFFIC":   AppOps,
	"QUALITY":   AppQA,
	"INVENTORY": AppInventory,
	"STAFFING":  AppOps,
	"DECISION":  AppControlTower,
}

// actorApp routes by actor role; checked after the substring fallback.
var actorApp = map[string]string{
	"QA_LEAD":       AppQA,
	"STORE_MANAGER": AppOps,
	"INVENTORY_BOT": AppInventory,
	RoleBruno:       AppControlTower,
}

// SelectTargetApp decides where an instruction goes, in order: source map,
// signal-type map, substring fallback (cancellations always reach the
// control tower), actor-role map, SYSTEM.
func SelectTargetApp(b *Beacon, signal *NormalizedSignal) string {
	source := strings.ToUpper(b.SignalSource)
	if app, ok := sourceApp[source]; ok {
		return app
	}
	if signal != nil {
		if app, ok := signalApp[strings.ToUpper(signal.SignalType)]; ok {
			return app
		}
	}
	if strings.Contains(source, "CANCEL") {
		return AppControlTower
	}
	if app, ok := actorApp[strings.ToUpper(b.Actor.Role)]; ok {
		return app
	}
	return AppSystem
}

// allowLists bound what each target app may be asked to do.
// ESCALATE_TO_CONTROL_TOWER is implicitly allowed everywhere.
var allowLists = map[string]map[string]bool{
	AppControlTower: {
		ActionReserveShadowInventory: true,
		ActionPauseFutureWebSales:    true,
		ActionBlockVirtualStockBatch: true,
		ActionReallocateStaff:        true,
		ActionAdjustCapacity:         true,
		ActionNotifyManager:          true,
		ActionRequestApproval:        true,
		ActionEscalate:               true,
		ActionLogOnly:                true,
	},
	AppQA: {
		ActionBlockVirtualStockBatch: true,
		ActionNotifyManager:          true,
		ActionRequestApproval:        true,
		ActionLogOnly:                true,
	},
	AppOps: {
		ActionReallocateStaff: true,
		ActionAdjustCapacity:  true,
		ActionNotifyManager:   true,
		ActionRequestApproval: true,
		ActionLogOnly:         true,
	},
	AppInventory: {
		ActionReserveShadowInventory: true,
		ActionPauseFutureWebSales:    true,
		ActionBlockVirtualStockBatch: true,
		ActionRequestApproval:        true,
		ActionLogOnly:                true,
	},
	AppSystem: {
		ActionLogOnly: true,
	},
}

// Allowed reports whether app may receive an action of this type.
func Allowed(app, actionType string) bool {
	if actionType == ActionEscalate {
		return true
	}
	return allowLists[app][actionType]
}

// advisoryActions survive the authority check for low-authority actors.
var advisoryActions = map[string]bool{
	ActionLogOnly:         true,
	ActionRequestApproval: true,
	ActionNotifyManager:   true,
}
