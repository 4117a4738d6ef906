package nodes

import (
	"context"

	"github.com/roach88/flowcrm/internal/crm"
)

// CreateContact creates a contact, or reuses one with the same email when
// upsert is set.
func CreateContact(svc *crm.Service) Executor {
	return ExecutorFunc(func(ctx context.Context, in Input) (map[string]any, error) {
		c, created, err := svc.CreateContact(ctx, in.TenantID, crm.CreateContactInput{
			Name:    stringField(in.Config, "name"),
			Email:   stringField(in.Config, "email"),
			Phone:   stringField(in.Config, "phone"),
			Company: stringField(in.Config, "company"),
			Tags:    stringList(in.Config["tags"]),
			Upsert:  boolField(in.Config, "upsert"),
		})
		if err != nil {
			return nil, err
		}
		out := contactOutput(c)
		out["created"] = created
		return out, nil
	})
}

// CreateDeal creates a deal. The stage defaults to the pipeline's first.
func CreateDeal(svc *crm.Service) Executor {
	return ExecutorFunc(func(ctx context.Context, in Input) (map[string]any, error) {
		var value float64
		if raw, ok := in.Config["value"]; ok && raw != nil && raw != "" {
			v, ok := toNumber(raw)
			if !ok {
				return nil, configError(in, "value", "%q is not a number", stringField(in.Config, "value"))
			}
			value = v
		}
		d, err := svc.CreateDeal(ctx, in.TenantID, crm.CreateDealInput{
			Title:      stringField(in.Config, "title"),
			Value:      value,
			Currency:   stringField(in.Config, "currency"),
			PipelineID: stringField(in.Config, "pipelineId"),
			StageID:    stringField(in.Config, "stageId"),
			ContactID:  stringField(in.Config, "contactId"),
		})
		if err != nil {
			return nil, err
		}
		return dealOutput(d), nil
	})
}

// UpdateDealStage moves a deal within its pipeline.
func UpdateDealStage(svc *crm.Service) Executor {
	return ExecutorFunc(func(ctx context.Context, in Input) (map[string]any, error) {
		dealID, err := requireString(in, "dealId")
		if err != nil {
			return nil, err
		}
		stageID, err := requireString(in, "stageId")
		if err != nil {
			return nil, err
		}
		d, err := svc.MoveDeal(ctx, in.TenantID, dealID, stageID)
		if err != nil {
			return nil, err
		}
		return dealOutput(d), nil
	})
}

func contactOutput(c crm.Contact) map[string]any {
	return map[string]any{
		"id":      c.ID,
		"name":    c.Name,
		"email":   c.Email,
		"phone":   c.Phone,
		"company": c.Company,
		"tags":    anyList(c.Tags),
	}
}

func dealOutput(d crm.Deal) map[string]any {
	return map[string]any{
		"id":         d.ID,
		"title":      d.Title,
		"value":      d.Value,
		"currency":   d.Currency,
		"pipelineId": d.PipelineID,
		"stageId":    d.StageID,
		"contactId":  d.ContactID,
	}
}
