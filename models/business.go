package models

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/mmdatafocus/shipments_backend/config"
	"github.com/mmdatafocus/shipments_backend/utils"
)

type Business struct {
	ID          uuid.UUID `gorm:"primary_key" json:"id"`
	Name        string    `gorm:"index;size:100;not null" json:"name" binding:"required"`
	ContactName string    `gorm:"size:100" json:"contact_name"`
	Email       string    `gorm:"size:255" json:"email"`
	Phone       string    `gorm:"size:20" json:"phone"`
	Country     string    `gorm:"size:100" json:"country"`
	City        string    `gorm:"size:100" json:"city"`
	Address     string    `gorm:"type:text" json:"address"`
	Timezone    string    `gorm:"size:100" json:"timezone"`
	IsActive    bool      `gorm:"default:true" json:"is_active"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewBusiness struct {
	Name        string `json:"name" binding:"required"`
	ContactName string `json:"contact_name"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	Country     string `json:"country"`
	City        string `json:"city"`
	Address     string `json:"address"`
	Timezone    string `json:"timezone"`
}

func (input *NewBusiness) validate(ctx context.Context) error {
	if input.Email != "" && !utils.IsValidEmail(input.Email) {
		return errors.New("invalid email")
	}
	if input.Phone != "" {
		if err := utils.ValidatePhoneNumber(input.Phone, utils.CountryCode); err != nil {
			return err
		}
	}
	count, err := utils.ResourceCountWhere[Business](ctx, "", "name = ?", input.Name)
	if err != nil {
		return err
	}
	if count > 0 {
		return errors.New("duplicate business name")
	}
	return nil
}

func CreateBusiness(ctx context.Context, input *NewBusiness) (*Business, error) {
	// only admin have access

	if err := input.validate(ctx); err != nil {
		return nil, err
	}
	db := config.GetDB()

	BID := uuid.New()
	timezone := "Asia/Yangon"
	if input.Timezone != "" {
		timezone = input.Timezone
	}

	business := Business{
		ID:          BID,
		Name:        input.Name,
		ContactName: input.ContactName,
		Email:       input.Email,
		Phone:       input.Phone,
		Country:     input.Country,
		City:        input.City,
		Address:     input.Address,
		Timezone:    timezone,
		IsActive:    true,
	}

	if err := db.WithContext(ctx).Create(&business).Error; err != nil {
		return nil, err
	}
	if err := business.StoreRedis(); err != nil {
		return nil, err
	}
	return &business, nil
}

func (b *Business) StoreRedis() error {
	return config.SetRedisObject("Business:"+b.ID.String(), b, utils.GetCacheLifespan())
}

func GetBusinessById(ctx context.Context, id string) (*Business, error) {

	var result Business

	exists, err := config.GetRedisObject("Business:"+id, &result)
	if err != nil {
		return nil, err
	}

	if !exists {
		db := config.GetDB()
		// db query
		err := db.WithContext(ctx).Where("id = ?", id).First(&result).Error
		if err != nil {
			return nil, utils.ErrorRecordNotFound
		}
		// caching
		if err := result.StoreRedis(); err != nil {
			return nil, err
		}
	}
	return &result, nil
}

// BusinessTimezone resolves the tenant's timezone with the app-wide default.
func BusinessTimezone(ctx context.Context, businessId string) string {
	business, err := GetBusinessById(ctx, businessId)
	if err != nil || business.Timezone == "" {
		return "Asia/Yangon"
	}
	return business.Timezone
}
