package models

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"
	"time"
)

type ShipmentMode string

const (
	ShipmentModeSea ShipmentMode = "sea"
	ShipmentModeAir ShipmentMode = "air"
)

// convert enum to send response
func (t ShipmentMode) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(string(t))), nil
}

// convert input to enum type
func (t *ShipmentMode) UnmarshalJSON(b []byte) error {
	str, err := strconv.Unquote(string(b))
	if err != nil {
		return errors.New("shipment mode must be string")
	}
	switch str {
	case "sea":
		*t = ShipmentModeSea
	case "air":
		*t = ShipmentModeAir
	default:
		return errors.New("invalid shipment mode")
	}
	return nil
}

func (t ShipmentMode) IsValid() bool {
	return t == ShipmentModeSea || t == ShipmentModeAir
}

type AllocationMode string

const (
	AllocationModePartial AllocationMode = "partial"
	AllocationModeFull    AllocationMode = "full"
)

func (t AllocationMode) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(string(t))), nil
}

func (t *AllocationMode) UnmarshalJSON(b []byte) error {
	str, err := strconv.Unquote(string(b))
	if err != nil {
		return errors.New("allocation mode must be string")
	}

	var ok bool
	allocationMode := map[string]AllocationMode{
		"partial": AllocationModePartial,
		"full":    AllocationModeFull,
	}

	*t, ok = allocationMode[str]
	if !ok {
		return errors.New("invalid allocation mode")
	}

	return nil
}

func (t AllocationMode) IsValid() bool {
	return t == AllocationModePartial || t == AllocationModeFull
}

type PurchaseOrderStatus string

const (
	PurchaseOrderStatusDraft  PurchaseOrderStatus = "draft"
	PurchaseOrderStatusIssued PurchaseOrderStatus = "issued"
	PurchaseOrderStatusClosed PurchaseOrderStatus = "closed"
)

func (t PurchaseOrderStatus) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(string(t))), nil
}

func (t *PurchaseOrderStatus) UnmarshalJSON(b []byte) error {
	str, err := strconv.Unquote(string(b))
	if err != nil {
		return errors.New("purchase order status must be string")
	}
	switch str {
	case "draft":
		*t = PurchaseOrderStatusDraft
	case "issued":
		*t = PurchaseOrderStatusIssued
	case "closed":
		*t = PurchaseOrderStatusClosed
	default:
		return errors.New("invalid purchase order status")
	}
	return nil
}

type MyDateString time.Time

func (t MyDateString) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(time.Time(t).Format("2006-01-02T15:04:05"))), nil
}

// Parse the string into time.Time object
func (t *MyDateString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*t = MyDateString(time.Time{})
		return nil
	}

	str, err := strconv.Unquote(string(b))
	if err != nil {
		return errors.New("MyDateString must be string")
	}

	// Parse the date string into a time.Time object
	localTime, err := time.Parse("2006-01-02T15:04:05", str)
	if err != nil {
		return errors.New("error parsing datetime")
	}
	*t = MyDateString(localTime)

	return nil
}

func (t *MyDateString) StartOfDayUTCTime(timezone string) error {
	// do nothing if the pointer is nil
	if t == nil {
		return nil
	}

	localTime := time.Time(*t)

	if timezone == "" {
		timezone = "Asia/Yangon"
	}

	// Load the location for the given timezone
	location, err := time.LoadLocation(timezone)
	if err != nil {
		fmt.Println("Error loading location:", err)
		return err
	}

	// Convert the start of the day local time to the specified timezone
	localTimeInZone := time.Date(
		localTime.Year(), localTime.Month(), localTime.Day(),
		0, 0, 0, 0,
		location,
	)

	// Convert the time to UTC
	utcTime := localTimeInZone.In(time.UTC)
	*t = MyDateString(utcTime)

	return nil
}

func (t *MyDateString) EndOfDayUTCTime(timezone string) error {
	// do nothing if the pointer is nil
	if t == nil {
		return nil
	}

	localTime := time.Time(*t)

	if timezone == "" {
		timezone = "Asia/Yangon"
	}

	// Load the location for the given timezone
	location, err := time.LoadLocation(timezone)
	if err != nil {
		fmt.Println("Error loading location:", err)
		return err
	}

	// Convert the end of the day local time to the specified timezone
	localTimeInZone := time.Date(
		localTime.Year(), localTime.Month(), localTime.Day(),
		23, 59, 59, 999, // Max nanoseconds
		location,
	)

	// Convert the time to UTC
	utcTime := localTimeInZone.In(time.UTC)
	*t = MyDateString(utcTime)

	return nil
}

func (t *MyDateString) UTCTime(timezone string) error {
	// do nothing if the pointer is nil
	if t == nil {
		return nil
	}

	localTime := time.Time(*t)

	if timezone == "" {
		timezone = "Asia/Yangon"
	}

	// Load the location for the given timezone
	location, err := time.LoadLocation(timezone)
	if err != nil {
		fmt.Println("Error loading location:", err)
		return err
	}

	// Convert the local time to the specified timezone
	localTimeInZone := time.Date(
		localTime.Year(), localTime.Month(), localTime.Day(),
		localTime.Hour(), localTime.Minute(), localTime.Second(), localTime.Nanosecond(),
		location,
	)

	// Convert the time to UTC
	utcTime := localTimeInZone.In(time.UTC)
	*t = MyDateString(utcTime)

	return nil
}

// Value implements the driver.Valuer interface
func (t MyDateString) Value() (driver.Value, error) {
	return time.Time(t), nil
}

// Scan implements the sql.Scanner interface
func (t *MyDateString) Scan(value interface{}) error {
	if value == nil {
		*t = MyDateString(time.Time{})
		return nil
	}
	switch v := value.(type) {
	case time.Time:
		*t = MyDateString(v)
	default:
		return fmt.Errorf("cannot convert %T to MyDateString", value)
	}
	return nil
}

func (t *MyDateString) SetDefaultNowIfNil() *MyDateString {
	if t == nil {
		now := MyDateString(time.Now())
		return &now
	}
	return t
}
