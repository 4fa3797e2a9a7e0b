package beacon

import (
	"fmt"
	"strings"
)

// proposal is a template's draft before authority, hard-rule and
// sanitisation passes.
type proposal struct {
	Message            string
	Actions            []Action
	Rationale          []string
	Confidence         float64
	NeedsClarification bool
	Question           string
}

// buildProposal selects the scripted template for (signal_source,
// signal_type). Templates may nest a proposed_action and an if_no_then
// branch inside REQUEST_APPROVAL so one approval encodes a decision tree.
func buildProposal(b *Beacon, signal *NormalizedSignal) proposal {
	source := strings.ToUpper(b.SignalSource)
	payload := b.MachinePayload

	switch source {
	case "OPS_TRAFFIC_ALERT":
		zone, _ := payload["zone"].(string)
		return proposal{
			Message: fmt.Sprintf("Tráfico alto detectado en %s. Reasignar personal y ampliar capacidad.", orUnknown(zone)),
			Actions: []Action{
				{Type: ActionReallocateStaff, Params: map[string]interface{}{"zone": zone}},
				{Type: ActionAdjustCapacity, Params: map[string]interface{}{"zone": zone, "direction": "up"}},
			},
			Rationale: []string{
				"Alerta de tráfico operativo con severidad alta.",
				"La reasignación temprana evita cuellos de botella en mostrador.",
			},
			Confidence: 0.85,
		}

	case "QA_BATCH_FAILED":
		batch, _ := payload["batch_id"].(string)
		return proposal{
			Message: fmt.Sprintf("Lote %s falló control de calidad. Bloquear stock virtual del lote.", orUnknown(batch)),
			Actions: []Action{
				{Type: ActionBlockVirtualStockBatch, Params: map[string]interface{}{"batch_id": batch}},
				{Type: ActionNotifyManager, Params: map[string]interface{}{"batch_id": batch}},
			},
			Rationale: []string{
				"Fallo de calidad confirmado por QA.",
				"El bloqueo impide vender unidades del lote afectado.",
			},
			Confidence: 0.9,
		}

	case "QA_BATCH_FINISHED":
		batch, _ := payload["batch_id"].(string)
		return proposal{
			Message:    fmt.Sprintf("Lote %s terminó control de calidad sin incidencias.", orUnknown(batch)),
			Actions:    []Action{{Type: ActionLogOnly, Params: map[string]interface{}{"batch_id": batch}}},
			Rationale:  []string{"Cierre informativo de lote."},
			Confidence: 0.95,
		}

	case "INVENTORY_LOW":
		sku, _ := payload["sku"].(string)
		return proposal{
			Message: fmt.Sprintf("Inventario bajo para %s. Reservar inventario sombra y decidir sobre venta web.", orUnknown(sku)),
			Actions: []Action{
				{Type: ActionReserveShadowInventory, Params: map[string]interface{}{"sku": sku}},
				{Type: ActionRequestApproval, Params: map[string]interface{}{
					"question": fmt.Sprintf("¿Pausar venta web futura de %s?", orUnknown(sku)),
					"proposed_action": map[string]interface{}{
						"type":   ActionPauseFutureWebSales,
						"params": map[string]interface{}{"sku": sku},
					},
					"if_no_then": map[string]interface{}{
						"type":   ActionNotifyManager,
						"params": map[string]interface{}{"sku": sku, "note": "monitorear inventario"},
					},
				}},
			},
			Rationale: []string{
				"Inventario por debajo del umbral configurado.",
				"La reserva sombra protege pedidos ya comprometidos.",
			},
			Confidence: 0.8,
		}

	case "WEB_ORDER_SPIKE":
		sku, _ := payload["sku"].(string)
		return proposal{
			Message: fmt.Sprintf("Pico de pedidos web para %s. Se propone pausar venta futura.", orUnknown(sku)),
			Actions: []Action{
				{Type: ActionRequestApproval, Params: map[string]interface{}{
					"question": fmt.Sprintf("¿Pausar venta web futura de %s por el pico de demanda?", orUnknown(sku)),
					"proposed_action": map[string]interface{}{
						"type":   ActionPauseFutureWebSales,
						"params": map[string]interface{}{"sku": sku},
					},
				}},
			},
			Rationale: []string{
				"Demanda web por encima de la capacidad de producción.",
			},
			Confidence: 0.75,
		}

	case "SHIFT_NO_SHOW":
		shift, _ := payload["shift_id"].(string)
		return proposal{
			Message: fmt.Sprintf("Ausencia en turno %s. Reasignar personal disponible.", orUnknown(shift)),
			Actions: []Action{
				{Type: ActionReallocateStaff, Params: map[string]interface{}{"shift_id": shift}},
			},
			Rationale:  []string{"Turno sin cubrir reportado por checador."},
			Confidence: 0.85,
		}

	case "SHIFT_END_CHECKIN":
		return proposal{
			Message:    "Cierre de turno registrado.",
			Actions:    []Action{{Type: ActionLogOnly, Params: map[string]interface{}{"actor": b.Actor.ID}}},
			Rationale:  []string{"Registro informativo de fin de turno."},
			Confidence: 0.95,
		}

	case "ORDER_CANCEL_REQUEST":
		order, _ := payload["order_id"].(string)
		return proposal{
			Message: fmt.Sprintf("Solicitud de cancelación del pedido %s. Requiere aprobación.", orUnknown(order)),
			Actions: []Action{
				{Type: ActionRequestApproval, Params: map[string]interface{}{
					"question": fmt.Sprintf("¿Aprobar la cancelación del pedido %s?", orUnknown(order)),
					"proposed_action": map[string]interface{}{
						"type":   ActionLogOnly,
						"params": map[string]interface{}{"order_id": order, "resolution": "cancelled"},
					},
					"if_no_then": map[string]interface{}{
						"type":   ActionNotifyManager,
						"params": map[string]interface{}{"order_id": order, "note": "cancelación rechazada"},
					},
				}},
			},
			Rationale:  []string{"Las cancelaciones requieren visto bueno de torre de control."},
			Confidence: 0.8,
		}
	}

	// Unknown source: log it and ask a human to classify.
	return proposal{
		Message:            fmt.Sprintf("Señal %s sin plantilla conocida.", b.SignalSource),
		Actions:            []Action{{Type: ActionLogOnly, Params: map[string]interface{}{"payload": payload}}},
		Rationale:          []string{"Fuente de señal no reconocida."},
		Confidence:         0.3,
		NeedsClarification: true,
		Question:           fmt.Sprintf("¿Cómo debe tratarse la señal %s?", b.SignalSource),
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "(desconocido)"
	}
	return s
}
