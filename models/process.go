package models

import (
	"context"
	"time"

	"github.com/mmdatafocus/erp_backend/config"
	"github.com/mmdatafocus/erp_backend/utils"
)

// ProcessDefinition is a reusable recipe. Edits only affect batches started afterwards
// since settlement re-reads it inside its own transaction.
type ProcessDefinition struct {
	ID             int       `gorm:"primary_key" json:"id"`
	OrganizationId string    `gorm:"size:64;index;not null" json:"organization_id"`
	Name           string    `gorm:"size:255;not null" json:"name"`
	Type           string    `gorm:"size:50;not null;default:'production'" json:"type"`
	Recipe         Recipe    `gorm:"type:text" json:"recipe"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewProcessDefinition struct {
	Name   string `json:"name" validate:"required,max=255"`
	Type   string `json:"type" validate:"max=50"`
	Recipe Recipe `json:"recipe"`
}

func (input *NewProcessDefinition) validate(ctx context.Context, organizationId string) error {
	if err := validateInput(input); err != nil {
		return err
	}
	if input.Recipe.Piecework != nil && input.Recipe.Piecework.Rate < 0 {
		return validationError("piecework rate cannot be negative")
	}
	ids := make([]int, 0, len(input.Recipe.OutputProductIds)+2)
	if id, ok := input.Recipe.InputProduct(); ok {
		ids = append(ids, id)
	}
	if input.Recipe.OutputProductId != nil {
		ids = append(ids, *input.Recipe.OutputProductId)
	}
	ids = append(ids, input.Recipe.OutputProductIds...)
	for _, id := range utils.UniqueSlice(ids) {
		if err := utils.ValidateResourceId[Product](ctx, organizationId, id); err != nil {
			return notFoundAs(err, "product", id, "validate recipe")
		}
	}
	return nil
}

func CreateProcess(ctx context.Context, input *NewProcessDefinition) (*ProcessDefinition, error) {
	organizationId, err := organizationIdFrom(ctx)
	if err != nil {
		return nil, err
	}
	if err := input.validate(ctx, organizationId); err != nil {
		return nil, err
	}
	processType := input.Type
	if processType == "" {
		processType = "production"
	}
	process := ProcessDefinition{
		OrganizationId: organizationId,
		Name:           input.Name,
		Type:           processType,
		Recipe:         input.Recipe,
	}
	if err := config.GetDB().WithContext(ctx).Create(&process).Error; err != nil {
		return nil, storeError("create process", err)
	}
	return &process, nil
}

func GetProcess(ctx context.Context, id int) (*ProcessDefinition, error) {
	organizationId, err := organizationIdFrom(ctx)
	if err != nil {
		return nil, err
	}
	process, err := utils.FetchModel[ProcessDefinition](ctx, organizationId, id)
	if err != nil {
		return nil, notFoundAs(err, "process", id, "get process")
	}
	return process, nil
}
