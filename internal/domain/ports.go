package domain

import "context"

// TaskAPI reads the status of a backend task.
type TaskAPI interface {
	TaskStatus(ctx context.Context, taskID string) (TaskState, error)
}

// PlaceAPI is the session-cookie platform: slow work runs as backend tasks.
type PlaceAPI interface {
	TaskAPI
	Places(ctx context.Context) ([]Place, error)
	PlaceStatus(ctx context.Context) (PlaceStatus, error)
	SubmitLoad(ctx context.Context, req LoadRequest) (string, error)
	SubmitReply(ctx context.Context, req PlaceReplyRequest) (string, error)
}

// ProfileAPI is the official business-profile platform: synchronous calls.
type ProfileAPI interface {
	Accounts(ctx context.Context) ([]Account, error)
	Locations(ctx context.Context) ([]Location, error)
	ProfileReviews(ctx context.Context, q ProfileReviewQuery) (ProfileReviewPage, error)
	PostProfileReply(ctx context.Context, req ProfileReplyRequest) error
}

type DraftAPI interface {
	GenerateReply(ctx context.Context, req DraftRequest) (string, error)
}

type SettingsAPI interface {
	// AISettings returns the stored settings and whether they are the defaults.
	AISettings(ctx context.Context, placeID string) (AISettings, bool, error)
	SaveAISettings(ctx context.Context, placeID string, s AISettings) error
}

type Cache interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, v any, ttlSec int) error
	Del(ctx context.Context, key string) error
}

// Request and response models

type LoadRequest struct {
	PlaceID   string `json:"place_id"`
	LoadCount int    `json:"load_count"`
	UserID    string `json:"user_id"`
}

type PlaceReplyRequest struct {
	PlaceID   string `json:"place_id"`
	Author    string `json:"author"`
	Date      string `json:"date"`
	Content   string `json:"content"`
	ReplyText string `json:"reply_text"`
	UserID    string `json:"user_id"`
}

type ProfileReviewQuery struct {
	LocationName string
	Filter       string
	PageSize     int
}

type ProfileReviewPage struct {
	Reviews       []map[string]any `json:"reviews"`
	TotalCount    int              `json:"total_count"`
	AverageRating *float64         `json:"average_rating,omitempty"`
}

type ProfileReplyRequest struct {
	ReviewID     string `json:"review_id"`
	ReplyText    string `json:"reply_text"`
	LocationName string `json:"location_name"`
}

type DraftRequest struct {
	ReviewText         string  `json:"review_text"`
	Rating             int     `json:"rating"`
	StoreName          *string `json:"store_name"`
	CustomInstructions *string `json:"custom_instructions"`
}
