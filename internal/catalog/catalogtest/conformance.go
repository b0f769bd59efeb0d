// Package catalogtest holds the behaviour every catalog.Store backend must share.
package catalogtest

import (
	"context"
	"testing"
	"time"

	"github.com/MimeLyc/mediacards/internal/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func RunStoreTests(t *testing.T, newStore func(t *testing.T) catalog.Store) {
	t.Run("deck is created once per owner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		a, err := s.EnsureDeck(ctx, "u1", catalog.AutoDeckTitle, catalog.AutoDeckDescription)
		require.NoError(t, err)
		b, err := s.EnsureDeck(ctx, "u1", catalog.AutoDeckTitle, catalog.AutoDeckDescription)
		require.NoError(t, err)
		c, err := s.EnsureDeck(ctx, "u2", catalog.AutoDeckTitle, catalog.AutoDeckDescription)
		require.NoError(t, err)

		assert.Equal(t, a, b)
		assert.NotEqual(t, a, c)
	})

	t.Run("media asset and draft card", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		since := time.Now().Add(-time.Minute)

		_, err := s.CreateIngestFile(ctx, &catalog.IngestFile{
			Owner: "u1", Source: "upload", StoragePath: "u1/a.png", MimeType: "image/png",
			Meta: []byte(`{"file_size":10}`),
		})
		require.NoError(t, err)

		width, height := 640, 480
		assetID, err := s.CreateMediaAsset(ctx, &catalog.MediaAsset{
			Type: catalog.MediaImage, StoragePath: "u1/a.png", MimeType: "image/png", Owner: "u1",
			WidthPx: &width, HeightPx: &height, AltText: "a red bicycle",
		})
		require.NoError(t, err)

		deckID, err := s.EnsureDeck(ctx, "u1", catalog.AutoDeckTitle, catalog.AutoDeckDescription)
		require.NoError(t, err)

		cardID, err := s.CreateCard(ctx, &catalog.Card{
			DeckID: deckID, Title: "a.png", PromptText: "What is shown?", AnswerText: catalog.DraftAnswer,
			Difficulty: 3, LanguageCode: "en", IsActive: false,
		}, assetID)
		require.NoError(t, err)
		assert.NotZero(t, cardID)

		assets, err := s.GetMediaAssets(ctx, []int64{assetID})
		require.NoError(t, err)
		require.Len(t, assets, 1)
		assert.Equal(t, catalog.MediaImage, assets[0].Type)
		require.NotNil(t, assets[0].WidthPx)
		assert.Equal(t, 640, *assets[0].WidthPx)
		assert.Equal(t, "a red bicycle", assets[0].AltText)

		sum, err := s.Summarize(ctx, since, 5)
		require.NoError(t, err)
		assert.Equal(t, 1, sum.MediaByType[catalog.MediaImage])
		assert.Equal(t, 1, sum.DraftCards)
		assert.Equal(t, 0, sum.ActiveCards)
		assert.Equal(t, 1, sum.DecksCreated)
		assert.Equal(t, 1, sum.IngestedFiles)
		require.Len(t, sum.RecentCards, 1)
		assert.Equal(t, catalog.DraftAnswer, sum.RecentCards[0].AnswerText)
		require.Len(t, sum.RecentMedia, 1)
	})

	t.Run("missing media asset", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetMediaAssets(context.Background(), []int64{404})
		assert.ErrorIs(t, err, catalog.ErrNotFound)
	})
}
