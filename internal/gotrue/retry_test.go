package gotrue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassifyHTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		want   RefreshResult
	}{
		{0, RefreshResultRetry},
		{200, RefreshResultOK},
		{204, RefreshResultOK},
		{400, RefreshResultRevoked},
		{401, RefreshResultRevoked},
		{403, RefreshResultRevoked},
		{404, RefreshResultRevoked},
		{429, RefreshResultRetry},
		{500, RefreshResultRetry},
		{502, RefreshResultRetry},
		{503, RefreshResultRetry},
		{302, RefreshResultUnknown},
		{422, RefreshResultUnknown},
	}

	for _, tt := range tests {
		if got := ClassifyHTTPStatus(tt.status); got != tt.want {
			t.Errorf("ClassifyHTTPStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestCalculateBackoff_InitialDelay(t *testing.T) {
	if delay := CalculateBackoff(0); delay != 2*time.Second {
		t.Errorf("初回バックオフ = %v, want 2s", delay)
	}
}

func TestCalculateBackoff_Doubles(t *testing.T) {
	if delay := CalculateBackoff(1); delay != 4*time.Second {
		t.Errorf("2回目バックオフ = %v, want 4s", delay)
	}
	if delay := CalculateBackoff(3); delay != 16*time.Second {
		t.Errorf("4回目バックオフ = %v, want 16s", delay)
	}
}

func TestCalculateBackoff_MaxDelay(t *testing.T) {
	if delay := CalculateBackoff(100); delay != 2*time.Minute {
		t.Errorf("高い連続エラー数では最大値 2m を返すべき, got %v", delay)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want RefreshResult
	}{
		{"nil", nil, RefreshResultOK},
		{"トークン無効", fmt.Errorf("refresh: %w", &Error{Status: 400}), RefreshResultRevoked},
		{"サーバーエラー", &Error{Status: 503}, RefreshResultRetry},
		{"通信エラー", errors.New("connection reset"), RefreshResultRetry},
		{"タイムアウト", context.DeadlineExceeded, RefreshResultRetry},
	}

	for _, tt := range tests {
		if got := ClassifyError(tt.err); got != tt.want {
			t.Errorf("ClassifyError(%s) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
