package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/shestoi/fulfillment/internal/repository"
)

// StockDocument представляет документ в коллекции остатков.
// Размерные товары хранятся отдельными документами на каждый размер,
// size == "" - общий остаток товара
type StockDocument struct {
	ProductID string    `bson:"product_id"`
	Size      string    `bson:"size"`
	Stock     int32     `bson:"stock"`
	Sold      int32     `bson:"sold"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// InventoryRepository реализует repository.InventoryRepository используя MongoDB
type InventoryRepository struct {
	client *mongo.Client
	col    *mongo.Collection
}

// NewInventoryRepository создаёт новый MongoDB репозиторий остатков
// Создаёт уникальный составной индекс на (product_id, size) при инициализации
func NewInventoryRepository(client *mongo.Client, dbName string) *InventoryRepository {
	col := client.Database(dbName).Collection("inventory")

	indexModel := mongo.IndexModel{
		Keys: bson.D{
			{Key: "product_id", Value: 1},
			{Key: "size", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Если индекс уже существует - игнорируем ошибку
	_, _ = col.Indexes().CreateOne(ctx, indexModel)

	return &InventoryRepository{
		client: client,
		col:    col,
	}
}

// GetStock получает остаток позиции из MongoDB
func (r *InventoryRepository) GetStock(ctx context.Context, productID, size string) (int32, error) {
	var doc StockDocument
	err := r.col.FindOne(ctx, bson.M{"product_id": productID, "size": size}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, repository.ErrNotFound
		}
		return 0, err
	}
	return doc.Stock, nil
}

// DecrementStock атомарно уменьшает остаток и увеличивает счётчик продаж
// Использует FindOneAndUpdate с условием stock >= quantity - проверка
// и изменение выполняются одной операцией на стороне БД
func (r *InventoryRepository) DecrementStock(ctx context.Context, productID, size string, quantity int32) (bool, error) {
	filter := bson.M{
		"product_id": productID,
		"size":       size,
		"stock":      bson.M{"$gte": quantity},
	}

	update := bson.M{
		"$inc": bson.M{
			"stock": -quantity,
			"sold":  quantity,
		},
		"$set": bson.M{"updated_at": time.Now().UTC()},
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var updatedDoc StockDocument
	err := r.col.FindOneAndUpdate(ctx, filter, update, opts).Decode(&updatedDoc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			// Документ не найден или stock < quantity.
			// Различаем эти случаи отдельным запросом: координатору важно
			// отличать "товара нет" от "товара недостаточно"
			count, countErr := r.col.CountDocuments(ctx, bson.M{"product_id": productID, "size": size})
			if countErr != nil {
				return false, countErr
			}
			if count == 0 {
				return false, repository.ErrNotFound
			}
			return false, nil
		}
		return false, err
	}

	return true, nil
}

// RestoreStock возвращает товар на склад при возврате заказа
func (r *InventoryRepository) RestoreStock(ctx context.Context, productID, size string, quantity int32) error {
	filter := bson.M{"product_id": productID, "size": size}
	update := bson.M{
		"$inc": bson.M{
			"stock": quantity,
			"sold":  -quantity,
		},
		"$set": bson.M{"updated_at": time.Now().UTC()},
	}

	result, err := r.col.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return repository.ErrNotFound
	}
	return nil
}
